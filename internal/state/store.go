package state

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/renameio/v2"

	"watchsync/internal/log"
	"watchsync/internal/models"
)

// Store persists the global watched and playlist state as two whole-document
// JSON files. Loading is forgiving: a missing, empty or corrupt file yields an
// empty state so a bad disk never crash-loops the reconciler.
type Store struct {
	watchedPath  string
	playlistPath string
}

func New(watchedPath, playlistPath string) *Store {
	return &Store{watchedPath: watchedPath, playlistPath: playlistPath}
}

func (s *Store) LoadWatched() *models.WatchedState {
	state := models.NewWatchedState()
	loadJSON(s.watchedPath, state)
	if state.Users == nil {
		state.Users = make(map[string]models.UserData)
	}
	return state
}

func (s *Store) SaveWatched(state *models.WatchedState) error {
	return saveJSON(s.watchedPath, state)
}

func (s *Store) LoadPlaylists() *models.PlaylistState {
	state := models.NewPlaylistState()
	loadJSON(s.playlistPath, state)
	if state.Users == nil {
		state.Users = make(map[string]models.UserPlaylists)
	}
	return state
}

func (s *Store) SavePlaylists(state *models.PlaylistState) error {
	return saveJSON(s.playlistPath, state)
}

// loadJSON fills dst from path. Decoding goes through a scratch value so a
// file that is valid JSON of the wrong shape cannot leave partially decoded
// entries behind; on any parse failure the bad file is copied to
// <path>.corrupted and dst is left as the caller initialized it.
func loadJSON[T any](path string, dst *T) {
	logger := log.WithComponent("state")

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		logger.Error().Err(err).Str("path", path).Msg("failed to stat state file")
		return
	}
	if info.Size() == 0 {
		logger.Warn().Str("path", path).Msg("state file is empty, starting with empty state")
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error().Err(err).Str("path", path).Msg("failed to read state file")
		return
	}

	var decoded T
	if err := json.Unmarshal(data, &decoded); err != nil {
		logger.Error().Err(err).Str("path", path).Msg("failed to decode state file")
		backup := path + ".corrupted"
		if copyErr := copyFile(path, backup); copyErr != nil {
			logger.Error().Err(copyErr).Str("path", backup).Msg("failed to back up corrupted state file")
		} else {
			logger.Info().Str("path", backup).Msg("corrupted state file backed up")
		}
		return
	}
	*dst = decoded
}

func saveJSON(path string, src any) error {
	data, err := json.MarshalIndent(src, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	// Atomic rename-into-place when the filesystem allows it. Bind mounts in
	// some container setups refuse cross-file renames, so fall back to a
	// direct overwrite.
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		logger := log.WithComponent("state")
		logger.Debug().Err(err).Str("path", path).Msg("atomic write failed, falling back to direct overwrite")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("writing state file %s: %w", path, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

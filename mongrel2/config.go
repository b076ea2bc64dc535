package mongrel2

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"
)

// SettingsFile is the conventional name of the handler process
// configuration file, looked for in the working directory.
const SettingsFile = "m2handler.json"

// Settings is the handler process configuration read from m2handler.json.
type Settings struct {
	AppID       string `json:"app_id"`
	SendSpec    string `json:"send_spec"`
	RecvSpec    string `json:"recv_spec"`
	ConfigDB    string `json:"config_db"`
	WatchConfig bool   `json:"watch_config"`
}

// DefaultSettings returns sane defaults when m2handler.json is missing or
// invalid: the stock Mongrel2 handler ports. AppID is left empty, so a UUID
// identity is generated when the connection is opened.
func DefaultSettings() *Settings {
	return &Settings{
		SendSpec: "tcp://127.0.0.1:9997",
		RecvSpec: "tcp://127.0.0.1:9996",
	}
}

// LoadSettings tries to read the settings file at path; falls back to
// defaults on any error and validates each field individually.
func LoadSettings(path string) *Settings {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no %s found at %s, using defaults: %v", filepath.Base(path), path, err)
		return DefaultSettings()
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		log.Printf("[config] invalid %s (%s), using defaults: %v", filepath.Base(path), path, err)
		return DefaultSettings()
	}

	// Pull a copy of defaults for use below
	def := DefaultSettings()

	if s.SendSpec == "" {
		log.Printf("[config] send_spec missing, falling back to %s", def.SendSpec)
		s.SendSpec = def.SendSpec
	} else if !strings.Contains(s.SendSpec, "://") {
		log.Printf("[config] send_spec=%q is not an endpoint URL, falling back to %s", s.SendSpec, def.SendSpec)
		s.SendSpec = def.SendSpec
	}

	if s.RecvSpec == "" {
		log.Printf("[config] recv_spec missing, falling back to %s", def.RecvSpec)
		s.RecvSpec = def.RecvSpec
	} else if !strings.Contains(s.RecvSpec, "://") {
		log.Printf("[config] recv_spec=%q is not an endpoint URL, falling back to %s", s.RecvSpec, def.RecvSpec)
		s.RecvSpec = def.RecvSpec
	}

	if s.AppID == "" {
		log.Printf("[config] app_id missing, a UUID identity will be generated")
	}

	if s.WatchConfig && s.ConfigDB == "" {
		log.Printf("[config] watch_config set without config_db, ignoring it")
		s.WatchConfig = false
	}

	return &s
}

// ErrHandlerNotFound is returned when no handler row carries the
// requested send_ident.
var ErrHandlerNotFound = errors.New("mongrel2: handler not found in config store")

// HandlerConfig is one row of the config store's handler table, the
// (send_spec, recv_spec, sender_identity) triple a connection needs.
type HandlerConfig struct {
	SendSpec  string
	SendIdent string
	RecvSpec  string
	RecvIdent string
}

// ConfigStore reads the Mongrel2 configuration database, the SQLite file
// the m2sh toolchain writes. Only lookups live here; populating the
// database stays with the server's own tooling.
type ConfigStore struct {
	db *sql.DB
}

// OpenConfig opens the configuration database at path.
func OpenConfig(path string) (*ConfigStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open config store %s: %w", path, err)
	}
	return &ConfigStore{db: db}, nil
}

func (s *ConfigStore) Close() error {
	return s.db.Close()
}

// FindHandlerBySendIdent returns the handler row whose send_ident matches
// id, or ErrHandlerNotFound.
func (s *ConfigStore) FindHandlerBySendIdent(id string) (*HandlerConfig, error) {
	row := s.db.QueryRow(
		`SELECT send_spec, send_ident, recv_spec, recv_ident
		 FROM handler WHERE send_ident = ?`, id)

	var h HandlerConfig
	err := row.Scan(&h.SendSpec, &h.SendIdent, &h.RecvSpec, &h.RecvIdent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHandlerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// ListHandlers returns every handler row in the store.
func (s *ConfigStore) ListHandlers() ([]HandlerConfig, error) {
	rows, err := s.db.Query(
		`SELECT send_spec, send_ident, recv_spec, recv_ident FROM handler`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HandlerConfig
	for rows.Next() {
		var h HandlerConfig
		if err := rows.Scan(&h.SendSpec, &h.SendIdent, &h.RecvSpec, &h.RecvIdent); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// OpenFromConfig looks up the handler row keyed by appID and opens a
// connection on its endpoints.
func OpenFromConfig(appID string, store *ConfigStore) (*Connection, error) {
	h, err := store.FindHandlerBySendIdent(appID)
	if err != nil {
		return nil, err
	}
	return Open(appID, h.SendSpec, h.RecvSpec)
}

// WatchConfig watches the configuration database file and requests a
// handler restart whenever it is rewritten, so redeployed endpoint
// changes take effect without killing the process. The returned stop
// function ends the watch.
func WatchConfig(path string, handler *Handler) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// watch the directory: SQLite rewrites appear as create/rename of
	// journal files next to the database
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	base := filepath.Base(path)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				log.Printf("[config] %s changed, restarting connection", base)
				if err := handler.Restart(); err != nil {
					log.Printf("[config] restart failed: %v", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[config] watch error: %v", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/waverider/broker-server-go/internal/errors"
	"github.com/waverider/broker-server-go/internal/model"
	"github.com/waverider/broker-server-go/internal/repository"
	"github.com/waverider/broker-server-go/internal/script"
)

// ScriptService turns a session's stored message log into a script
// document and writes expired-session exports to disk.
type ScriptService struct {
	repo repository.SessionRepository
	log  zerolog.Logger
}

func NewScriptService(repo repository.SessionRepository, log zerolog.Logger) *ScriptService {
	return &ScriptService{
		repo: repo,
		log:  log.With().Str("component", "script").Logger(),
	}
}

// Export builds a version 1 document (delta stamps, as stored) from
// the session's log, with meta filled from the session flags. Returns
// nil when the session has no messages.
func (s *ScriptService) Export(ctx context.Context, sessID string) (*script.Document, error) {
	messages, err := s.repo.Messages(ctx, sessID)
	if err != nil {
		return nil, errors.Database(err)
	}
	if len(messages) == 0 {
		return nil, nil
	}

	flags, err := s.repo.GetFlags(ctx, sessID)
	if err != nil {
		return nil, errors.Database(err)
	}

	doc := &script.Document{
		Meta: script.Meta{
			DriverName:     flagString(flags, "driverName"),
			DriverComments: flagString(flags, "driverComments"),
			Version:        1,
			FileType:       script.FileType,
		},
		Channels: make(map[model.Channel][]script.Step),
	}
	for _, msg := range messages {
		doc.Channels[msg.Channel] = append(doc.Channels[msg.Channel], script.Step{
			Stamp:   msg.Stamp,
			Message: json.RawMessage(msg.Message),
		})
	}
	return doc, nil
}

// SaveToDir writes the document to dir as <sessId>.json, appending a
// " (n)" suffix instead of clobbering an existing file.
func (s *ScriptService) SaveToDir(doc *script.Document, dir, sessID string) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode script: %w", err)
	}

	path := filepath.Join(dir, sessID+".json")
	for n := 1; fileExists(path); n++ {
		path = filepath.Join(dir, fmt.Sprintf("%s (%d).json", sessID, n))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write script: %w", err)
	}
	return path, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func flagString(flags model.Flags, name string) string {
	if v, ok := flags[name].(string); ok {
		return v
	}
	return ""
}

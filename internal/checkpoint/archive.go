package checkpoint

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
)

const archiveVersion = 1

// archiveHeader is the first JSON value of an archive; one event per value
// follows it.
type archiveHeader struct {
	Version      int    `json:"version"`
	CheckpointID string `json:"checkpointId"`
	Category     string `json:"category"`
	CreatedAt    int64  `json:"createdAt"`
}

// archiveRow is one events row as stored. Properties stay raw text so a
// restore from the archive writes back exactly the bytes that were copied.
type archiveRow struct {
	ID             string  `db:"id" json:"id"`
	EventType      string  `db:"event_type" json:"eventType"`
	UserID         string  `db:"user_id" json:"userId"`
	Timestamp      int64   `db:"timestamp" json:"timestamp"`
	Properties     string  `db:"properties" json:"properties"`
	JourneyID      *string `db:"journey_id" json:"journeyId,omitempty"`
	ConversationID *string `db:"conversation_id" json:"conversationId,omitempty"`
	TurnSequence   *int64  `db:"turn_sequence" json:"turnSequence,omitempty"`
	TurnID         *string `db:"turn_id" json:"turnId,omitempty"`
	Comment        *string `db:"comment" json:"comment,omitempty"`
	PromptText     *string `db:"prompt_text" json:"promptText,omitempty"`
	AIOutput       *string `db:"ai_output" json:"aiOutput,omitempty"`
	ModelName      *string `db:"model_name" json:"modelName,omitempty"`
	ResponseTimeMs *int64  `db:"response_time_ms" json:"responseTimeMs,omitempty"`
	CreatedAt      int64   `db:"created_at" json:"createdAt"`
}

// values matches models.EventColumns.
func (r *archiveRow) values() []any {
	return []any{
		r.ID, r.EventType, r.UserID, r.Timestamp, r.Properties,
		r.JourneyID, r.ConversationID, r.TurnSequence, r.TurnID,
		r.Comment, r.PromptText, r.AIOutput, r.ModelName, r.ResponseTimeMs,
		r.CreatedAt,
	}
}

// archiveWriter writes a checkpoint archive to a temp file and renames it
// into place on commit.
type archiveWriter struct {
	path  string
	tmp   *os.File
	zw    io.WriteCloser
	buf   *bufio.Writer
	enc   *json.Encoder
	count int64
}

func createArchive(path string, compressor CompressorInterface, header archiveHeader) (*archiveWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	tmp, err := os.Create(path + ".tmp")
	if err != nil {
		return nil, err
	}
	zw, err := compressor.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	buf := bufio.NewWriter(zw)
	a := &archiveWriter{path: path, tmp: tmp, zw: zw, buf: buf, enc: json.NewEncoder(buf)}
	if err := a.enc.Encode(header); err != nil {
		a.abort()
		return nil, err
	}
	return a, nil
}

func (a *archiveWriter) write(e *archiveRow) error {
	if err := a.enc.Encode(e); err != nil {
		return err
	}
	a.count++
	return nil
}

// commit flushes, fsyncs and renames the archive, returning its size.
func (a *archiveWriter) commit() (int64, error) {
	if err := a.buf.Flush(); err != nil {
		a.abort()
		return 0, err
	}
	if err := a.zw.Close(); err != nil {
		a.abort()
		return 0, err
	}
	if err := a.tmp.Sync(); err != nil {
		a.abort()
		return 0, err
	}
	fi, err := a.tmp.Stat()
	if err != nil {
		a.abort()
		return 0, err
	}
	if err := a.tmp.Close(); err != nil {
		os.Remove(a.tmp.Name())
		return 0, err
	}
	if err := os.Rename(a.tmp.Name(), a.path); err != nil {
		os.Remove(a.tmp.Name())
		return 0, err
	}
	return fi.Size(), nil
}

func (a *archiveWriter) abort() {
	a.zw.Close()
	a.tmp.Close()
	os.Remove(a.tmp.Name())
}

// readArchive streams the events of an archive to fn.
func readArchive(path string, compressor CompressorInterface, fn func(*archiveRow) error) (archiveHeader, error) {
	var header archiveHeader
	f, err := os.Open(path)
	if err != nil {
		return header, err
	}
	defer f.Close()

	zr, err := compressor.NewReader(f)
	if err != nil {
		return header, err
	}
	defer zr.Close()

	dec := json.NewDecoder(bufio.NewReader(zr))
	if err := dec.Decode(&header); err != nil {
		return header, fmt.Errorf("archive %s: bad header: %w", path, err)
	}
	if header.Version != archiveVersion {
		return header, fmt.Errorf("archive %s: unsupported version %d", path, header.Version)
	}
	for {
		var e archiveRow
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) {
			return header, nil
		}
		if err != nil {
			return header, fmt.Errorf("archive %s: %w", path, err)
		}
		if err := fn(&e); err != nil {
			return header, err
		}
	}
}

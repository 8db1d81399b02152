package execlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Entry is one tagged invocation of the external task runner (or another
// logged command) tied to a work item.
type Entry struct {
	ID          int64    `json:"id,omitempty"`
	Timestamp   string   `json:"timestamp"`
	EndTime     string   `json:"end_timestamp,omitempty"`
	DurationSec int      `json:"duration_sec"`
	Label       string   `json:"label"`
	Level       string   `json:"level"`
	Tags        []string `json:"tags,omitempty"`
	WorkItemID  string   `json:"work_item_id"`
	Phase       string   `json:"phase,omitempty"`
	Command     string   `json:"command"`
	Cwd         string   `json:"cwd,omitempty"`
	ExitCode    int      `json:"exit_code"`
	Stdout      string   `json:"stdout,omitempty"`
	Stderr      string   `json:"stderr,omitempty"`
	LastMessage string   `json:"last_message,omitempty"`
}

// Reader is the query side needed by the gating evaluators.
type Reader interface {
	EntriesFor(ctx context.Context, workItemID string) ([]Entry, error)
}

// Store persists entries in the workspace database.
type Store struct {
	DB *sql.DB
}

func (s Store) Append(ctx context.Context, e Entry) error {
	tags, err := marshalStringSlice(e.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO execution_log(ts,end_ts,duration_sec,label,level,tags_json,work_item_id,phase,command,cwd,exit_code,stdout,stderr,last_message)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.Timestamp, nullable(e.EndTime), e.DurationSec, e.Label, e.Level, tags,
		e.WorkItemID, nullable(e.Phase), e.Command, nullable(e.Cwd), e.ExitCode,
		nullable(e.Stdout), nullable(e.Stderr), nullable(e.LastMessage))
	return err
}

func (s Store) EntriesFor(ctx context.Context, workItemID string) ([]Entry, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,ts,COALESCE(end_ts,''),duration_sec,label,level,COALESCE(tags_json,'[]'),work_item_id,COALESCE(phase,''),command,COALESCE(cwd,''),exit_code,COALESCE(stdout,''),COALESCE(stderr,''),COALESCE(last_message,'')
		FROM execution_log WHERE work_item_id=? ORDER BY id`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var tags string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.EndTime, &e.DurationSec, &e.Label, &e.Level, &tags,
			&e.WorkItemID, &e.Phase, &e.Command, &e.Cwd, &e.ExitCode, &e.Stdout, &e.Stderr, &e.LastMessage); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
			e.Tags = nil
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Recorder is the append side, satisfied by Store and Memory alike.
type Recorder interface {
	Append(ctx context.Context, e Entry) error
}

// Memory is an in-process store for evaluator tests.
type Memory struct {
	Entries []Entry
}

func (m *Memory) Append(_ context.Context, e Entry) error {
	m.Entries = append(m.Entries, e)
	return nil
}

func (m *Memory) EntriesFor(_ context.Context, workItemID string) ([]Entry, error) {
	var out []Entry
	for _, e := range m.Entries {
		if e.WorkItemID == workItemID {
			out = append(out, e)
		}
	}
	return out, nil
}

func marshalStringSlice(in []string) (string, error) {
	if in == nil {
		in = []string{}
	}
	data, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

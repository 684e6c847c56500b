// ABOUTME: Brain state checkpointing, one mutable row per agent
// ABOUTME: Upserts bump cycle_count monotonically when a row already exists

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertBrainState writes an agent's checkpoint record. On update the
// stored cycle_count never decreases: it becomes the greater of the
// supplied count and the previous count plus one.
func (s *SQLiteStore) UpsertBrainState(ctx context.Context, state *BrainState) error {
	if state.LastActivity.IsZero() {
		state.LastActivity = time.Now().UTC()
	}

	checkpointJSON, err := marshalMapping(state.CheckpointData)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO brain_states (ai_id, current_task, last_thought, last_insight, current_cycle, cycle_count, last_activity, checkpoint_data, session_identifier)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ai_id) DO UPDATE SET
			current_task = excluded.current_task,
			last_thought = excluded.last_thought,
			last_insight = excluded.last_insight,
			current_cycle = excluded.current_cycle,
			cycle_count = MAX(excluded.cycle_count, brain_states.cycle_count + 1),
			last_activity = excluded.last_activity,
			checkpoint_data = excluded.checkpoint_data,
			session_identifier = excluded.session_identifier
	`

	_, err = s.db.ExecContext(ctx, query,
		state.AIID,
		state.CurrentTask,
		state.LastThought,
		state.LastInsight,
		state.CurrentCycle,
		state.CycleCount,
		formatTime(state.LastActivity),
		checkpointJSON,
		state.SessionIdentifier,
	)
	if err != nil {
		return fmt.Errorf("upserting brain state: %w", err)
	}

	s.logger.Debug("saved brain state", "ai_id", state.AIID, "task", state.CurrentTask)
	return nil
}

// LoadBrainState retrieves an agent's checkpoint record.
// Returns ErrNotFound when the agent has never checkpointed.
func (s *SQLiteStore) LoadBrainState(ctx context.Context, aiID int64) (*BrainState, error) {
	query := `
		SELECT ai_id, current_task, last_thought, last_insight, current_cycle, cycle_count, last_activity, checkpoint_data, session_identifier
		FROM brain_states
		WHERE ai_id = ?
	`

	var b BrainState
	var lastActivity, checkpointJSON string

	err := s.db.QueryRowContext(ctx, query, aiID).Scan(
		&b.AIID, &b.CurrentTask, &b.LastThought, &b.LastInsight,
		&b.CurrentCycle, &b.CycleCount, &lastActivity, &checkpointJSON,
		&b.SessionIdentifier,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying brain state: %w", err)
	}

	b.LastActivity, err = parseTime(lastActivity)
	if err != nil {
		return nil, fmt.Errorf("parsing last_activity: %w", err)
	}
	b.CheckpointData, err = unmarshalMapping(checkpointJSON)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

package kernelstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/andrewbusc/legatorkernel/internal/kernelerr"
	"github.com/andrewbusc/legatorkernel/internal/kernelstore/migration"
)

const (
	maxOutputBytes  = 10 * 1024
	defaultListLimit = 50
	maxListLimit     = 500

	// kernelSchemaVersion is the schema version this binary understands.
	// CheckVersion refuses to start against a store stamped with a newer
	// version; EnsureVersion stamps a fresh store with this value.
	kernelSchemaVersion = 1
)

// Store persists the Agent Kernel's content over SQLite. Postgres and MySQL
// backends implement the same surface against the standard database/sql
// driver set (see store_postgres.go, store_mysql.go) and share this type.
type Store struct {
	db     dbconn
	driver string
}

// Open opens (or creates) a kernel store. dsn is interpreted by driver:
// "sqlite" expects a file path, "postgres" and "mysql" expect a standard DSN.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case "", "sqlite":
		return openSQLite(dsn)
	case "postgres":
		return openPostgres(dsn)
	case "mysql":
		return openMySQL(dsn)
	default:
		return nil, fmt.Errorf("kernelstore: unknown driver %q", driver)
	}
}

func openSQLite(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open kernel store: %w", err)
	}

	// Single pooled connection keeps write ordering deterministic under
	// concurrent queue/kernel goroutines, same discipline the teacher's
	// job store uses for its SQLite handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	if err := migration.CheckVersion(db, kernelSchemaVersion); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: plainDB{db}, driver: "sqlite"}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migration.EnsureVersion(db, kernelSchemaVersion); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema version: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			name TEXT NOT NULL,
			template_id TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			history TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS agent_runs (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			org_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			created_by TEXT NOT NULL,
			goal TEXT NOT NULL,
			provider_id TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			current_step_index INTEGER NOT NULL DEFAULT 0,
			last_step_id TEXT NOT NULL DEFAULT '',
			plan TEXT,
			base_commit_hash TEXT NOT NULL DEFAULT '',
			current_commit_hash TEXT NOT NULL DEFAULT '',
			last_valid_commit_hash TEXT NOT NULL DEFAULT '',
			run_branch TEXT NOT NULL,
			worktree_path TEXT NOT NULL DEFAULT '',
			validation_status TEXT NOT NULL DEFAULT '',
			validation_result TEXT,
			validated_at TEXT,
			error_message TEXT NOT NULL DEFAULT '',
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_steps (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 1,
			step_id TEXT NOT NULL,
			type TEXT NOT NULL,
			tool TEXT NOT NULL,
			status TEXT NOT NULL,
			input_payload TEXT,
			output_payload TEXT,
			error_message TEXT NOT NULL DEFAULT '',
			commit_hash TEXT NOT NULL DEFAULT '',
			runtime_status TEXT NOT NULL DEFAULT '',
			started_at TEXT,
			finished_at TEXT,
			created_at TEXT NOT NULL,
			correction_telemetry TEXT,
			correction_policy TEXT,
			UNIQUE(run_id, step_index, attempt)
		)`,
		`CREATE TABLE IF NOT EXISTS run_jobs (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			target_role TEXT NOT NULL DEFAULT '',
			payload TEXT,
			status TEXT NOT NULL,
			assigned_node TEXT NOT NULL DEFAULT '',
			lease_expires_at TEXT,
			attempt INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS worker_nodes (
			node_id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			capabilities TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			last_heartbeat_at TEXT NOT NULL,
			started_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rate_limit_buckets (
			bucket_key TEXT NOT NULL,
			window_start TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (bucket_key, window_start)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_runs_project ON agent_runs(project_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_steps_run ON agent_steps(run_id, step_index, attempt, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_run_jobs_run ON run_jobs(run_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_run_jobs_claim ON run_jobs(status, lease_expires_at, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func newID() string { return uuid.New().String() }

func nowUTC() time.Time { return time.Now().UTC() }

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullableTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func parseNullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func truncateOutput(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes]
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// --- Project ---

// CreateProject inserts a new project and returns it with generated fields filled in.
func (s *Store) CreateProject(p Project) (*Project, error) {
	now := nowUTC()
	if p.ID == "" {
		p.ID = newID()
	}
	p.CreatedAt, p.UpdatedAt = now, now
	historyJSON, err := marshalJSON(p.History)
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(`INSERT INTO projects (id, org_id, workspace_id, name, template_id, created_by, created_at, updated_at, history)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrgID, p.WorkspaceID, p.Name, p.TemplateID, p.CreatedBy, fmtTime(now), fmtTime(now), historyJSON)
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return &p, nil
}

// GetProject fetches a project by id.
func (s *Store) GetProject(id string) (*Project, error) {
	row := s.db.QueryRow(`SELECT id, org_id, workspace_id, name, template_id, created_by, created_at, updated_at, history FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

func scanProject(row *sql.Row) (*Project, error) {
	var p Project
	var createdAt, updatedAt, historyJSON string
	if err := row.Scan(&p.ID, &p.OrgID, &p.WorkspaceID, &p.Name, &p.TemplateID, &p.CreatedBy, &createdAt, &updatedAt, &historyJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, kernelerr.New(kernelerr.NotFound, "project not found")
		}
		return nil, err
	}
	p.CreatedAt, p.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
	_ = json.Unmarshal([]byte(historyJSON), &p.History)
	return &p, nil
}

// AppendProjectHistory appends a history entry, trimming to maxHistoryEntries
// most-recent-first.
func (s *Store) AppendProjectHistory(projectID string, entry HistoryEntry) error {
	entry.CreatedAt = nowUTC()
	proj, err := s.GetProject(projectID)
	if err != nil {
		return err
	}
	history := append([]HistoryEntry{entry}, proj.History...)
	if len(history) > maxHistoryEntries {
		history = history[:maxHistoryEntries]
	}
	historyJSON, err := marshalJSON(history)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE projects SET history = ?, updated_at = ? WHERE id = ?`, historyJSON, fmtTime(nowUTC()), projectID)
	return err
}

// --- AgentRun ---

// CreateRun inserts a new AgentRun, typically with status=queued.
func (s *Store) CreateRun(r AgentRun) (*AgentRun, error) {
	now := nowUTC()
	if r.ID == "" {
		r.ID = newID()
	}
	r.CreatedAt, r.UpdatedAt, r.StartedAt = now, now, now
	metaJSON, err := marshalJSON(r.Metadata)
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(`INSERT INTO agent_runs
		(id, project_id, org_id, workspace_id, created_by, goal, provider_id, model, status,
		 current_step_index, last_step_id, plan, base_commit_hash, current_commit_hash,
		 last_valid_commit_hash, run_branch, worktree_path, validation_status, validation_result,
		 validated_at, error_message, cancel_requested, started_at, finished_at, metadata, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.ProjectID, r.OrgID, r.WorkspaceID, r.CreatedBy, r.Goal, r.ProviderID, r.Model, r.Status,
		r.CurrentStepIndex, r.LastStepID, nullString(r.Plan), r.BaseCommitHash, r.CurrentCommitHash,
		r.LastValidCommitHash, r.RunBranch, r.WorktreePath, r.ValidationStatus, nullString(r.ValidationResult),
		nullableTimePtr(r.ValidatedAt), r.ErrorMessage, boolToInt(r.CancelRequested), fmtTime(now), nullableTimePtr(r.FinishedAt), metaJSON, fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return &r, nil
}

func nullString(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const runSelectCols = `id, project_id, org_id, workspace_id, created_by, goal, provider_id, model, status,
	current_step_index, last_step_id, plan, base_commit_hash, current_commit_hash,
	last_valid_commit_hash, run_branch, worktree_path, validation_status, validation_result,
	validated_at, error_message, cancel_requested, started_at, finished_at, metadata, created_at, updated_at`

func scanRun(scanner interface{ Scan(...any) error }) (*AgentRun, error) {
	var r AgentRun
	var plan, validationResult, metaJSON sql.NullString
	var validatedAt, finishedAt sql.NullString
	var startedAt, createdAt, updatedAt string
	var cancelRequested int
	err := scanner.Scan(&r.ID, &r.ProjectID, &r.OrgID, &r.WorkspaceID, &r.CreatedBy, &r.Goal, &r.ProviderID, &r.Model, &r.Status,
		&r.CurrentStepIndex, &r.LastStepID, &plan, &r.BaseCommitHash, &r.CurrentCommitHash,
		&r.LastValidCommitHash, &r.RunBranch, &r.WorktreePath, &r.ValidationStatus, &validationResult,
		&validatedAt, &r.ErrorMessage, &cancelRequested, &startedAt, &finishedAt, &metaJSON, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, kernelerr.New(kernelerr.NotFound, "run not found")
		}
		return nil, err
	}
	if plan.Valid {
		r.Plan = []byte(plan.String)
	}
	if validationResult.Valid {
		r.ValidationResult = []byte(validationResult.String)
	}
	r.ValidatedAt = parseNullableTime(validatedAt)
	r.FinishedAt = parseNullableTime(finishedAt)
	r.CancelRequested = cancelRequested != 0
	r.StartedAt = parseTime(startedAt)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &r.Metadata)
	}
	return &r, nil
}

// GetRun fetches an AgentRun by id.
func (s *Store) GetRun(id string) (*AgentRun, error) {
	row := s.db.QueryRow(`SELECT `+runSelectCols+` FROM agent_runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns returns runs for a project, most-recently-created first.
func (s *Store) ListRuns(projectID string, limit int) ([]*AgentRun, error) {
	rows, err := s.db.Query(`SELECT `+runSelectCols+` FROM agent_runs WHERE project_id = ? ORDER BY created_at DESC LIMIT ?`, projectID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*AgentRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// HasActiveRun reports whether any run for projectID is in an active status,
// enforcing the branch-lock invariant (§4.4).
func (s *Store) HasActiveRun(projectID string) (bool, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ActiveRunStatuses)), ",")
	args := make([]any, 0, len(ActiveRunStatuses)+1)
	args = append(args, projectID)
	for _, st := range ActiveRunStatuses {
		args = append(args, st)
	}
	var count int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM agent_runs WHERE project_id = ? AND status IN (`+placeholders+`)`, args...).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// UpdateRunFields applies a partial update to a run. Only non-nil fields in
// the patch are written. Used by the kernel's execute loop after each step.
type RunPatch struct {
	Status              *string
	CurrentStepIndex    *int
	LastStepID          *string
	Plan                []byte
	CurrentCommitHash   *string
	LastValidCommitHash *string
	ValidationStatus    *string
	ValidationResult    []byte
	ValidatedAt         *time.Time
	ErrorMessage        *string
	CancelRequested     *bool
	FinishedAt          *time.Time
	Metadata            map[string]any
}

// TransitionRun performs a compare-and-swap status transition plus an
// optional field patch, mirroring the teacher's transitionRun guard: the
// UPDATE's WHERE clause re-checks the expected prior status so a concurrent
// writer cannot silently clobber a transition already applied elsewhere.
func (s *Store) TransitionRun(runID string, fromStatuses []string, toStatus string, patch RunPatch) (*AgentRun, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	if err := tx.QueryRow(`SELECT status FROM agent_runs WHERE id = ?`, runID).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return nil, kernelerr.New(kernelerr.NotFound, "run not found")
		}
		return nil, err
	}
	allowed := false
	for _, candidate := range fromStatuses {
		if current == candidate {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, kernelerr.New(kernelerr.StoreConflict, "invalid run transition %s -> %s", current, toStatus)
	}

	now := fmtTime(nowUTC())
	set := []string{"status = ?", "updated_at = ?"}
	args := []any{toStatus, now}
	if patch.CurrentStepIndex != nil {
		set = append(set, "current_step_index = ?")
		args = append(args, *patch.CurrentStepIndex)
	}
	if patch.LastStepID != nil {
		set = append(set, "last_step_id = ?")
		args = append(args, *patch.LastStepID)
	}
	if patch.Plan != nil {
		set = append(set, "plan = ?")
		args = append(args, string(patch.Plan))
	}
	if patch.CurrentCommitHash != nil {
		set = append(set, "current_commit_hash = ?")
		args = append(args, *patch.CurrentCommitHash)
	}
	if patch.LastValidCommitHash != nil {
		set = append(set, "last_valid_commit_hash = ?")
		args = append(args, *patch.LastValidCommitHash)
	}
	if patch.ValidationStatus != nil {
		set = append(set, "validation_status = ?")
		args = append(args, *patch.ValidationStatus)
	}
	if patch.ValidationResult != nil {
		set = append(set, "validation_result = ?")
		args = append(args, string(patch.ValidationResult))
	}
	if patch.ValidatedAt != nil {
		set = append(set, "validated_at = ?")
		args = append(args, fmtTime(*patch.ValidatedAt))
	}
	if patch.ErrorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, *patch.ErrorMessage)
	}
	if patch.CancelRequested != nil {
		set = append(set, "cancel_requested = ?")
		args = append(args, boolToInt(*patch.CancelRequested))
	}
	if patch.FinishedAt != nil {
		set = append(set, "finished_at = ?")
		args = append(args, fmtTime(*patch.FinishedAt))
	}
	if patch.Metadata != nil {
		metaJSON, err := marshalJSON(patch.Metadata)
		if err != nil {
			return nil, err
		}
		set = append(set, "metadata = ?")
		args = append(args, metaJSON)
	}
	args = append(args, runID, current)

	res, err := tx.Exec(`UPDATE agent_runs SET `+strings.Join(set, ", ")+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, kernelerr.New(kernelerr.StoreConflict, "run %s was concurrently transitioned away from %s", runID, current)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetRun(runID)
}

// SetCancelRequested flags a run for cooperative cancellation.
func (s *Store) SetCancelRequested(runID string) error {
	_, err := s.db.Exec(`UPDATE agent_runs SET cancel_requested = 1, updated_at = ? WHERE id = ?`, fmtTime(nowUTC()), runID)
	return err
}

// --- AgentStep ---

// CreateStep inserts a new append-only step record. (runId, stepIndex,
// attempt) is enforced unique by the schema.
func (s *Store) CreateStep(st AgentStep) (*AgentStep, error) {
	now := nowUTC()
	if st.ID == "" {
		st.ID = newID()
	}
	st.CreatedAt = now
	_, err := s.db.Exec(`INSERT INTO agent_steps
		(id, run_id, project_id, step_index, attempt, step_id, type, tool, status, input_payload,
		 output_payload, error_message, commit_hash, runtime_status, started_at, finished_at, created_at,
		 correction_telemetry, correction_policy)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		st.ID, st.RunID, st.ProjectID, st.StepIndex, st.Attempt, st.StepID, st.Type, st.Tool, st.Status,
		nullString(st.InputPayload), nullString(st.OutputPayload), st.ErrorMessage, st.CommitHash, st.RuntimeStatus,
		nullableTimePtr(st.StartedAt), nullableTimePtr(st.FinishedAt), fmtTime(now),
		nullString(st.CorrectionTelemetry), nullString(st.CorrectionPolicy))
	if err != nil {
		return nil, fmt.Errorf("create step: %w", err)
	}
	return &st, nil
}

// UpdateStepStatus transitions a step to completed/failed, recording the
// commit hash and/or error message.
func (s *Store) UpdateStepStatus(stepID, status, commitHash, errMsg string) error {
	now := fmtTime(nowUTC())
	_, err := s.db.Exec(`UPDATE agent_steps SET status = ?, commit_hash = COALESCE(NULLIF(?, ''), commit_hash),
		error_message = ?, finished_at = ? WHERE id = ?`, status, commitHash, errMsg, now, stepID)
	return err
}

const stepSelectCols = `id, run_id, project_id, step_index, attempt, step_id, type, tool, status, input_payload,
	output_payload, error_message, commit_hash, runtime_status, started_at, finished_at, created_at,
	correction_telemetry, correction_policy`

func scanStep(scanner interface{ Scan(...any) error }) (*AgentStep, error) {
	var st AgentStep
	var input, output, startedAt, finishedAt, corTelemetry, corPolicy sql.NullString
	var createdAt string
	err := scanner.Scan(&st.ID, &st.RunID, &st.ProjectID, &st.StepIndex, &st.Attempt, &st.StepID, &st.Type, &st.Tool, &st.Status,
		&input, &output, &st.ErrorMessage, &st.CommitHash, &st.RuntimeStatus, &startedAt, &finishedAt, &createdAt,
		&corTelemetry, &corPolicy)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, kernelerr.New(kernelerr.NotFound, "step not found")
		}
		return nil, err
	}
	if input.Valid {
		st.InputPayload = []byte(input.String)
	}
	if output.Valid {
		st.OutputPayload = []byte(output.String)
	}
	if corTelemetry.Valid {
		st.CorrectionTelemetry = []byte(corTelemetry.String)
	}
	if corPolicy.Valid {
		st.CorrectionPolicy = []byte(corPolicy.String)
	}
	st.StartedAt = parseNullableTime(startedAt)
	st.FinishedAt = parseNullableTime(finishedAt)
	st.CreatedAt = parseTime(createdAt)
	return &st, nil
}

// ListSteps returns all steps for a run in the ordering guaranteed by §5:
// (stepIndex ASC, attempt ASC, createdAt ASC).
func (s *Store) ListSteps(runID string) ([]*AgentStep, error) {
	rows, err := s.db.Query(`SELECT `+stepSelectCols+` FROM agent_steps WHERE run_id = ? ORDER BY step_index ASC, attempt ASC, created_at ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*AgentStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// GetStepByKey fetches the step for (runId, stepIndex, attempt), used by the
// kernel's idempotent re-entry reconciliation.
func (s *Store) GetStepByKey(runID string, stepIndex, attempt int) (*AgentStep, error) {
	row := s.db.QueryRow(`SELECT `+stepSelectCols+` FROM agent_steps WHERE run_id = ? AND step_index = ? AND attempt = ?`, runID, stepIndex, attempt)
	return scanStep(row)
}

// SetStepCorrection records the classifier profile and policy evaluation
// produced while handling a failed step's corrective retry.
func (s *Store) SetStepCorrection(stepID string, telemetry, policy []byte) error {
	_, err := s.db.Exec(`UPDATE agent_steps SET correction_telemetry = ?, correction_policy = ? WHERE id = ?`,
		nullString(telemetry), nullString(policy), stepID)
	return err
}

// --- WorkerNode ---

// UpsertWorkerNode registers or refreshes a worker node.
func (s *Store) UpsertWorkerNode(w WorkerNode) error {
	now := nowUTC()
	if w.LastHeartbeatAt.IsZero() {
		w.LastHeartbeatAt = now
	}
	if w.StartedAt.IsZero() {
		w.StartedAt = now
	}
	capsJSON, err := marshalJSON(w.Capabilities)
	if err != nil {
		return err
	}
	upsert := `INSERT INTO worker_nodes (node_id, role, capabilities, status, last_heartbeat_at, started_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(node_id) DO UPDATE SET role = excluded.role, capabilities = excluded.capabilities,
			status = excluded.status, last_heartbeat_at = excluded.last_heartbeat_at`
	if s.driver == "mysql" {
		upsert = `INSERT INTO worker_nodes (node_id, role, capabilities, status, last_heartbeat_at, started_at)
			VALUES (?,?,?,?,?,?)
			ON DUPLICATE KEY UPDATE role = VALUES(role), capabilities = VALUES(capabilities),
				status = VALUES(status), last_heartbeat_at = VALUES(last_heartbeat_at)`
	}
	_, err = s.db.Exec(upsert, w.NodeID, w.Role, capsJSON, w.Status, fmtTime(w.LastHeartbeatAt), fmtTime(w.StartedAt))
	return err
}

// --- RunJob ---

const jobSelectCols = `id, run_id, project_id, kind, target_role, payload, status,
	assigned_node, lease_expires_at, attempt, last_error, created_at, updated_at`

func scanJob(scanner interface{ Scan(...any) error }) (*RunJob, error) {
	var j RunJob
	var payload, leaseExpiresAt sql.NullString
	var createdAt, updatedAt string
	err := scanner.Scan(&j.ID, &j.RunID, &j.ProjectID, &j.Kind, &j.TargetRole, &payload, &j.Status,
		&j.AssignedNode, &leaseExpiresAt, &j.Attempt, &j.LastError, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, kernelerr.New(kernelerr.NotFound, "run job not found")
		}
		return nil, err
	}
	if payload.Valid {
		j.Payload = []byte(payload.String)
	}
	j.LeaseExpiresAt = parseNullableTime(leaseExpiresAt)
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}

// activeJobStatuses holds the branch-lock-equivalent for the queue: a run
// may have at most one job in one of these statuses at a time.
var activeJobStatuses = []string{JobQueued, JobLeased}

// EnqueueRunJob inserts a new job for runID. It fails with DuplicateActiveJob
// if another job for the same run is already queued or leased.
func (s *Store) EnqueueRunJob(j RunJob) (*RunJob, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRow(`SELECT COUNT(1) FROM run_jobs WHERE run_id = ? AND status IN (?, ?)`,
		j.RunID, JobQueued, JobLeased).Scan(&count); err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, kernelerr.New(kernelerr.DuplicateActiveJob, "run %s already has an active job", j.RunID)
	}

	now := nowUTC()
	if j.ID == "" {
		j.ID = newID()
	}
	j.Status = JobQueued
	j.CreatedAt, j.UpdatedAt = now, now
	_, err = tx.Exec(`INSERT INTO run_jobs
		(id, run_id, project_id, kind, target_role, payload, status, assigned_node, lease_expires_at, attempt, last_error, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.RunID, j.ProjectID, j.Kind, j.TargetRole, nullString(j.Payload), j.Status,
		j.AssignedNode, nullableTimePtr(j.LeaseExpiresAt), j.Attempt, j.LastError, fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("enqueue run job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &j, nil
}

// GetJob fetches a RunJob by id.
func (s *Store) GetJob(id string) (*RunJob, error) {
	row := s.db.QueryRow(`SELECT `+jobSelectCols+` FROM run_jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ClaimNextRunJob selects the oldest eligible job for targetRole (queued, or
// leased with an expired lease) and atomically assigns it to nodeID,
// mirroring the teacher's dispatchAttempt/claimTarget discipline adapted
// from push-based dispatch to pull-based lease claiming. Returns nil, nil
// if no eligible job exists.
func (s *Store) ClaimNextRunJob(nodeID, targetRole string, leaseSeconds int) (*RunJob, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := nowUTC()
	row := tx.QueryRow(`SELECT `+jobSelectCols+` FROM run_jobs
		WHERE target_role = ? AND (status = ? OR (status = ? AND lease_expires_at < ?))
		ORDER BY created_at ASC LIMIT 1`, targetRole, JobQueued, JobLeased, fmtTime(now))
	job, err := scanJob(row)
	if err != nil {
		if kernelerr.Is(err, kernelerr.NotFound) {
			return nil, nil
		}
		return nil, err
	}

	leaseExpires := now.Add(time.Duration(leaseSeconds) * time.Second)
	res, err := tx.Exec(`UPDATE run_jobs SET status = ?, assigned_node = ?, lease_expires_at = ?, attempt = attempt + 1, updated_at = ?
		WHERE id = ? AND (status = ? OR (status = ? AND lease_expires_at < ?))`,
		JobLeased, nodeID, fmtTime(leaseExpires), fmtTime(now), job.ID, JobQueued, JobLeased, fmtTime(now))
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil // lost a race to another claimer
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	job.Status, job.AssignedNode = JobLeased, nodeID
	job.LeaseExpiresAt, job.Attempt = &leaseExpires, job.Attempt+1
	return job, nil
}

// HeartbeatJob extends a leased job's lease if still held by nodeID, else
// fails with LeaseLost.
func (s *Store) HeartbeatJob(jobID, nodeID string, leaseSeconds int) error {
	now := nowUTC()
	leaseExpires := now.Add(time.Duration(leaseSeconds) * time.Second)
	res, err := s.db.Exec(`UPDATE run_jobs SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND assigned_node = ? AND status = ?`,
		fmtTime(leaseExpires), fmtTime(now), jobID, nodeID, JobLeased)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return kernelerr.New(kernelerr.LeaseLost, "job %s is no longer leased by %s", jobID, nodeID)
	}
	return nil
}

// CompleteJob marks a leased job terminal (complete or failed).
func (s *Store) CompleteJob(jobID, nodeID, outcome, lastError string) error {
	now := nowUTC()
	res, err := s.db.Exec(`UPDATE run_jobs SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND assigned_node = ? AND status = ?`,
		outcome, lastError, fmtTime(now), jobID, nodeID, JobLeased)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return kernelerr.New(kernelerr.LeaseLost, "job %s is no longer leased by %s", jobID, nodeID)
	}
	return nil
}

// ReleaseJob returns a job to queued if retryable, else marks it failed.
func (s *Store) ReleaseJob(jobID, nodeID string, retryable bool, lastError string) error {
	now := nowUTC()
	next := JobFailed
	if retryable {
		next = JobQueued
	}
	res, err := s.db.Exec(`UPDATE run_jobs SET status = ?, assigned_node = '', lease_expires_at = NULL, last_error = ?, updated_at = ?
		WHERE id = ? AND assigned_node = ? AND status = ?`,
		next, lastError, fmtTime(now), jobID, nodeID, JobLeased)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return kernelerr.New(kernelerr.LeaseLost, "job %s is no longer leased by %s", jobID, nodeID)
	}
	return nil
}

// ReclaimExpiredLeases requeues every leased job whose lease has expired
// without a heartbeat or completion, returning the reclaimed jobs so the
// caller can resume their runs. This is the orphan-lease sweep's primitive:
// a crashed worker's lease simply times out and becomes eligible again.
func (s *Store) ReclaimExpiredLeases() ([]*RunJob, error) {
	now := fmtTime(nowUTC())
	rows, err := s.db.Query(`SELECT `+jobSelectCols+` FROM run_jobs WHERE status = ? AND lease_expires_at < ?`, JobLeased, now)
	if err != nil {
		return nil, err
	}
	var expired []*RunJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, j)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var reclaimed []*RunJob
	for _, j := range expired {
		res, err := s.db.Exec(`UPDATE run_jobs SET status = ?, assigned_node = '', lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND status = ? AND lease_expires_at < ?`, JobQueued, now, j.ID, JobLeased, now)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			j.Status, j.AssignedNode, j.LeaseExpiresAt = JobQueued, "", nil
			reclaimed = append(reclaimed, j)
		}
	}
	return reclaimed, nil
}

// ListActiveRunJobsByRun returns jobs for runID in queued or leased status.
func (s *Store) ListActiveRunJobsByRun(runID string) ([]*RunJob, error) {
	rows, err := s.db.Query(`SELECT `+jobSelectCols+` FROM run_jobs WHERE run_id = ? AND status IN (?, ?)`, runID, JobQueued, JobLeased)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*RunJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// --- Rate limiting ---

// ConsumeRateLimit atomically increments the counter for (key, windowStart)
// and reports whether the request is within limit.
func (s *Store) ConsumeRateLimit(key string, limit int, windowSec int) (bool, error) {
	windowStart := time.Now().UTC().Truncate(time.Duration(windowSec) * time.Second)
	ws := fmtTime(windowStart)
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	insert := `INSERT INTO rate_limit_buckets (bucket_key, window_start, count) VALUES (?, ?, 0)
		ON CONFLICT(bucket_key, window_start) DO NOTHING`
	if s.driver == "mysql" {
		insert = `INSERT IGNORE INTO rate_limit_buckets (bucket_key, window_start, count) VALUES (?, ?, 0)`
	}
	_, err = tx.Exec(insert, key, ws)
	if err != nil {
		return false, err
	}
	var count int
	if err := tx.QueryRow(`SELECT count FROM rate_limit_buckets WHERE bucket_key = ? AND window_start = ?`, key, ws).Scan(&count); err != nil {
		return false, err
	}
	if count >= limit {
		return false, tx.Commit()
	}
	if _, err := tx.Exec(`UPDATE rate_limit_buckets SET count = count + 1 WHERE bucket_key = ? AND window_start = ?`, key, ws); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

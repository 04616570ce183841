package ledger

const schema = `
PRAGMA journal_mode = WAL;
PRAGMA foreign_keys = ON;

-- One row per orchestrator run
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    base_url TEXT,
    destination TEXT,
    resumed BOOLEAN DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'running', -- running, finished, aborted, failed
    discovered INTEGER DEFAULT 0,
    completed INTEGER DEFAULT 0,
    success INTEGER DEFAULT 0,
    failure INTEGER DEFAULT 0,
    remaining INTEGER DEFAULT 0
);

-- Terminal result per document per run; a re-export overwrites
CREATE TABLE IF NOT EXISTS results (
    run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    document_id TEXT NOT NULL,
    title TEXT,
    folder TEXT,
    state TEXT NOT NULL,
    attempts INTEGER DEFAULT 0,
    path TEXT,
    pages INTEGER DEFAULT 0,
    skipped BOOLEAN DEFAULT 0,
    code TEXT,
    error TEXT,
    duration_ms INTEGER DEFAULT 0,
    recorded_at TEXT NOT NULL,
    PRIMARY KEY (run_id, document_id)
);

CREATE INDEX IF NOT EXISTS idx_results_state ON results(run_id, state);
`

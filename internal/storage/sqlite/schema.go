package sqlite

const schema = `
-- Migration version table (forward-only)
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT NOT NULL DEFAULT ''
);

-- Observed chat messages. External ids preserved verbatim; soft deletes only.
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    channel_id TEXT NOT NULL,
    server_id TEXT NOT NULL DEFAULT '',
    author_id TEXT NOT NULL,
    author_display TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    scope TEXT NOT NULL DEFAULT 'public' CHECK(scope IN ('public','dm')),
    reply_to_id TEXT NOT NULL DEFAULT '',
    thread_id TEXT NOT NULL DEFAULT '',
    has_media INTEGER NOT NULL DEFAULT 0,
    has_link INTEGER NOT NULL DEFAULT 0,
    ingested_at DATETIME NOT NULL,
    deleted_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_author ON messages(author_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at);

-- Topics: lazily created objects of attention, never deleted.
CREATE TABLE IF NOT EXISTS topics (
    key TEXT PRIMARY KEY,
    category TEXT NOT NULL,
    budget_group TEXT NOT NULL,
    server_id TEXT NOT NULL DEFAULT '',
    parent_key TEXT NOT NULL DEFAULT '',
    provisional INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    last_activity_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_topics_group ON topics(budget_group);
CREATE INDEX IF NOT EXISTS idx_topics_parent ON topics(parent_key);
CREATE INDEX IF NOT EXISTS idx_topics_last_activity ON topics(last_activity_at);

-- Salience ledger: append-only; a topic's balance is the sum of its amounts.
CREATE TABLE IF NOT EXISTS ledger (
    id TEXT PRIMARY KEY,
    topic_key TEXT NOT NULL,
    kind TEXT NOT NULL CHECK(kind IN ('earn','spend','retain','decay','propagate','spillover','warm','reset')),
    amount REAL NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    source_topic TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_topic ON ledger(topic_key, created_at);
CREATE INDEX IF NOT EXISTS idx_ledger_topic_kind ON ledger(topic_key, kind, created_at);

-- Per-user server activity, for the two-server global warming trigger.
CREATE TABLE IF NOT EXISTS user_servers (
    user_id TEXT NOT NULL,
    server_id TEXT NOT NULL,
    first_seen_at DATETIME NOT NULL,
    PRIMARY KEY (user_id, server_id)
);

-- Insights: append-only durable memory. At least one valence must be set.
CREATE TABLE IF NOT EXISTS insights (
    id TEXT PRIMARY KEY,
    topic_key TEXT NOT NULL,
    category TEXT NOT NULL,
    content TEXT NOT NULL,
    sources_scope_max TEXT NOT NULL DEFAULT 'public' CHECK(sources_scope_max IN ('public','dm')),
    created_at DATETIME NOT NULL,
    layer_run_id TEXT NOT NULL,
    salience_spent REAL NOT NULL DEFAULT 0,
    strength_adjustment REAL NOT NULL DEFAULT 1 CHECK(strength_adjustment >= 0.1 AND strength_adjustment <= 10),
    strength REAL NOT NULL DEFAULT 0,
    confidence REAL NOT NULL DEFAULT 0.5 CHECK(confidence >= 0 AND confidence <= 1),
    importance REAL NOT NULL DEFAULT 0.5 CHECK(importance >= 0 AND importance <= 1),
    novelty REAL NOT NULL DEFAULT 0.5 CHECK(novelty >= 0 AND novelty <= 1),
    joy REAL CHECK(joy IS NULL OR (joy >= 0 AND joy <= 1)),
    concern REAL CHECK(concern IS NULL OR (concern >= 0 AND concern <= 1)),
    curiosity REAL CHECK(curiosity IS NULL OR (curiosity >= 0 AND curiosity <= 1)),
    warmth REAL CHECK(warmth IS NULL OR (warmth >= 0 AND warmth <= 1)),
    tension REAL CHECK(tension IS NULL OR (tension >= 0 AND tension <= 1)),
    supersedes TEXT NOT NULL DEFAULT '',
    conflicts_with TEXT NOT NULL DEFAULT '[]',
    conflict_resolved INTEGER NOT NULL DEFAULT 0,
    synthesized_from TEXT NOT NULL DEFAULT '[]',
    quarantined INTEGER NOT NULL DEFAULT 0,
    context_channel_id TEXT NOT NULL DEFAULT '',
    context_thread_id TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    participants TEXT NOT NULL DEFAULT '[]',
    CHECK (joy IS NOT NULL OR concern IS NOT NULL OR curiosity IS NOT NULL
           OR warmth IS NOT NULL OR tension IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS idx_insights_topic_created ON insights(topic_key, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_insights_topic_strength ON insights(topic_key, strength DESC);
CREATE INDEX IF NOT EXISTS idx_insights_category ON insights(category, created_at);

-- Layer run records.
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    layer_name TEXT NOT NULL,
    layer_hash TEXT NOT NULL DEFAULT '',
    started_at DATETIME NOT NULL,
    ended_at DATETIME,
    status TEXT NOT NULL DEFAULT 'success' CHECK(status IN ('success','partial','failed','dry')),
    targets_matched INTEGER NOT NULL DEFAULT 0,
    targets_processed INTEGER NOT NULL DEFAULT 0,
    targets_skipped INTEGER NOT NULL DEFAULT 0,
    insights_created INTEGER NOT NULL DEFAULT 0,
    model_profile TEXT NOT NULL DEFAULT '',
    model_provider TEXT NOT NULL DEFAULT '',
    model_name TEXT NOT NULL DEFAULT '',
    tokens_in INTEGER NOT NULL DEFAULT 0,
    tokens_out INTEGER NOT NULL DEFAULT 0,
    estimated_cost REAL NOT NULL DEFAULT 0,
    errors TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_runs_layer ON runs(layer_name, started_at);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, started_at);

-- Model call log: full prompt and response, for auditability.
CREATE TABLE IF NOT EXISTS calls (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL DEFAULT '',
    profile TEXT NOT NULL DEFAULT '',
    provider TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    prompt TEXT NOT NULL DEFAULT '',
    response TEXT NOT NULL DEFAULT '',
    tokens_in INTEGER NOT NULL DEFAULT 0,
    tokens_out INTEGER NOT NULL DEFAULT 0,
    estimated_cost REAL NOT NULL DEFAULT 0,
    latency_ms INTEGER NOT NULL DEFAULT 0,
    success INTEGER NOT NULL DEFAULT 1,
    error TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_calls_run ON calls(run_id);
CREATE INDEX IF NOT EXISTS idx_calls_created ON calls(created_at);

-- Subject-source joins: where a semantically identified subject came from.
CREATE TABLE IF NOT EXISTS subject_sources (
    subject_key TEXT NOT NULL,
    message_id TEXT NOT NULL,
    source_topic_key TEXT NOT NULL,
    run_id TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (subject_key, message_id, source_topic_key, run_id)
);

CREATE INDEX IF NOT EXISTS idx_subject_sources_subject ON subject_sources(subject_key);

-- Display names observed on messages; presentation only.
CREATE TABLE IF NOT EXISTS display_names (
    id TEXT PRIMARY KEY,
    display TEXT NOT NULL,
    updated_at DATETIME NOT NULL
);

-- Job bookkeeping owned by the scheduler.
CREATE TABLE IF NOT EXISTS scheduler_jobs (
    layer_name TEXT PRIMARY KEY,
    schedule TEXT NOT NULL DEFAULT '',
    last_fired_at DATETIME,
    next_fire_at DATETIME
);
`

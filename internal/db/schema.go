package db

// SchemaSQL contains the database schema initialization SQL.
// The HNSW dimension must match the configured embedding model's output.
const SchemaSQL = `
    -- ==========================================================================
    -- JOB TABLE (workflow state, one record per extraction job)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS job SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS kind ON job TYPE string;
    DEFINE FIELD IF NOT EXISTS stage ON job TYPE string;
    DEFINE FIELD IF NOT EXISTS source_id ON job TYPE string;
    DEFINE FIELD IF NOT EXISTS stage_data ON job TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS phase1_iters ON job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS phase2_iters ON job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS cancel_requested ON job TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS terminal ON job TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS failure_cause ON job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS failure_stage ON job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS created ON job TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated ON job TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS job_terminal ON job FIELDS terminal;
    DEFINE INDEX IF NOT EXISTS job_stage ON job FIELDS stage;

    -- ==========================================================================
    -- CURATION BATCH / ITEM TABLES (the review gate)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS curation_batch SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS job_id ON curation_batch TYPE string;
    DEFINE FIELD IF NOT EXISTS kind ON curation_batch TYPE string;
    DEFINE FIELD IF NOT EXISTS stage_key ON curation_batch TYPE string;
    DEFINE FIELD IF NOT EXISTS created ON curation_batch TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS resolved_at ON curation_batch TYPE option<datetime>;
    -- Idempotency guard: one batch per job+stage, ever.
    DEFINE FIELD IF NOT EXISTS unique_key ON curation_batch VALUE string::concat(job_id, "/", stage_key);
    DEFINE INDEX IF NOT EXISTS unique_batch ON curation_batch FIELDS unique_key UNIQUE;
    DEFINE INDEX IF NOT EXISTS batch_job ON curation_batch FIELDS job_id;

    DEFINE TABLE IF NOT EXISTS curation_item SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS batch_id ON curation_item TYPE string;
    DEFINE FIELD IF NOT EXISTS status ON curation_item TYPE string DEFAULT "pending";
    DEFINE FIELD IF NOT EXISTS payload ON curation_item TYPE string;
    DEFINE FIELD IF NOT EXISTS resolved_payload ON curation_item TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS note ON curation_item TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS resolved_at ON curation_item TYPE option<datetime>;

    DEFINE INDEX IF NOT EXISTS item_batch ON curation_item FIELDS batch_id;
    DEFINE INDEX IF NOT EXISTS item_status ON curation_item FIELDS status;

    -- ==========================================================================
    -- SOURCE DOCUMENTS
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS source_doc SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS kind ON source_doc TYPE string;
    DEFINE FIELD IF NOT EXISTS content ON source_doc TYPE string;
    DEFINE FIELD IF NOT EXISTS title ON source_doc TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS processed ON source_doc TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS created ON source_doc TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS source_processed ON source_doc FIELDS processed;

    -- ==========================================================================
    -- GRAPH NODES: concept, entity, quote
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS concept SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS name ON concept TYPE string;
    DEFINE FIELD IF NOT EXISTS summary ON concept TYPE string;
    DEFINE FIELD IF NOT EXISTS embedding ON concept TYPE array<float>;
    DEFINE FIELD IF NOT EXISTS created ON concept TYPE datetime DEFAULT time::now();
    DEFINE INDEX IF NOT EXISTS concept_embedding ON concept FIELDS embedding HNSW DIMENSION 384 DIST COSINE TYPE F32;

    DEFINE TABLE IF NOT EXISTS entity SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS name ON entity TYPE string;
    DEFINE FIELD IF NOT EXISTS entity_type ON entity TYPE string;
    DEFINE FIELD IF NOT EXISTS description ON entity TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS embedding ON entity TYPE array<float>;
    DEFINE FIELD IF NOT EXISTS created ON entity TYPE datetime DEFAULT time::now();
    DEFINE INDEX IF NOT EXISTS entity_embedding ON entity FIELDS embedding HNSW DIMENSION 384 DIST COSINE TYPE F32;

    DEFINE TABLE IF NOT EXISTS quote SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS text ON quote TYPE string;
    DEFINE FIELD IF NOT EXISTS source ON quote TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS created ON quote TYPE datetime DEFAULT time::now();

    -- ==========================================================================
    -- RELATES: typed edges between concepts, or between entities
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS relates TYPE RELATION IN concept|entity OUT concept|entity SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS rel_type ON relates TYPE string;
    DEFINE FIELD IF NOT EXISTS explanation ON relates TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS created ON relates TYPE datetime DEFAULT time::now();
    -- Directional unique constraint: one edge per (in, out, rel_type). The
    -- mirrored reverse edge is a distinct row.
    DEFINE FIELD IF NOT EXISTS unique_key ON relates VALUE string::concat(<string>in, "|", rel_type, "|", <string>out);
    DEFINE INDEX IF NOT EXISTS unique_relation ON relates FIELDS unique_key UNIQUE;

    -- ==========================================================================
    -- SUPPORTS: quote -> concept/entity attribution edges
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS supports TYPE RELATION SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS job_id ON supports TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS created ON supports TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS unique_key ON supports VALUE string::concat(<string>in, "|", <string>out);
    DEFINE INDEX IF NOT EXISTS unique_support ON supports FIELDS unique_key UNIQUE;

    -- ==========================================================================
    -- EVENT FEED (best-effort notifications)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS event SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS kind ON event TYPE string;
    DEFINE FIELD IF NOT EXISTS job_id ON event TYPE string;
    DEFINE FIELD IF NOT EXISTS detail ON event TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS created ON event TYPE datetime DEFAULT time::now();
    DEFINE INDEX IF NOT EXISTS event_created ON event FIELDS created;
`

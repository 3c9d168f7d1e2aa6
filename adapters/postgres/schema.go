package postgres

const DefaultTable = "uow_bags"

// Schema creates the default bag table.
const Schema = `
CREATE TABLE IF NOT EXISTS uow_bags (
    message_id TEXT        NOT NULL,
    kind       TEXT        NOT NULL,
    bag        JSONB       NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (message_id, kind)
);
`

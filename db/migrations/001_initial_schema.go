package migrations

import (
	"database/sql"
)

func init() {
	RegisterMigration(&Migration{
		Version: 1,
		Name:    "initial_schema",
		Up:      initialSchemaUp,
		Down:    initialSchemaDown,
	})
}

func initialSchemaUp(tx *sql.Tx) error {
	schema := `
	-- Closed OHLC bars, one row per (instrument, timeframe, bucket).
	CREATE TABLE IF NOT EXISTS bars (
		instrument_key      VARCHAR(255) NOT NULL,
		timeframe           VARCHAR(20) NOT NULL,
		bucket_start        BIGINT NOT NULL,
		open                VARCHAR(64) NOT NULL,
		high                VARCHAR(64) NOT NULL,
		low                 VARCHAR(64) NOT NULL,
		close               VARCHAR(64) NOT NULL,
		volume              BIGINT NOT NULL DEFAULT 0,
		open_interest_last  BIGINT NOT NULL DEFAULT 0,
		closed_at           TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (instrument_key, timeframe, bucket_start)
	);

	CREATE INDEX idx_bars_instrument_timeframe ON bars(instrument_key, timeframe, bucket_start DESC);

	-- Last-known net position per (account, instrument), guarded by a
	-- monotonic source sequence so out-of-order redelivery never regresses it.
	CREATE TABLE IF NOT EXISTS positions (
		account_id            VARCHAR(255) NOT NULL,
		instrument_key        VARCHAR(255) NOT NULL,
		net_quantity          BIGINT NOT NULL,
		average_entry_price   VARCHAR(64) NOT NULL,
		realized_pnl          VARCHAR(64) NOT NULL,
		source_sequence       BIGINT NOT NULL,
		observed_at           TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (account_id, instrument_key)
	);

	CREATE INDEX idx_positions_account_id ON positions(account_id);

	-- Append-only audit trail of every cleanup action the worker took.
	CREATE TABLE IF NOT EXISTS cleanup_log (
		id               BIGSERIAL PRIMARY KEY,
		account_id       VARCHAR(255) NOT NULL,
		instrument_key   VARCHAR(255) NOT NULL,
		broker_order_id  VARCHAR(255) NOT NULL,
		action           VARCHAR(20) NOT NULL CHECK (action IN ('CANCEL', 'MODIFY')),
		outcome          VARCHAR(20) NOT NULL CHECK (outcome IN ('SUCCESS', 'FAILURE')),
		detail           TEXT,
		observed_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX idx_cleanup_log_account_id ON cleanup_log(account_id, observed_at DESC);

	-- Protective orders linked to a position, resolved in one batched
	-- lookup by the cleanup worker before it cancels or resizes them.
	CREATE TABLE IF NOT EXISTS order_references (
		broker_order_id  VARCHAR(255) PRIMARY KEY,
		account_id       VARCHAR(255) NOT NULL,
		instrument_key   VARCHAR(255) NOT NULL,
		purpose          VARCHAR(50) NOT NULL DEFAULT 'PROTECTIVE',
		quantity         BIGINT NOT NULL,
		created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX idx_order_references_account_instrument ON order_references(account_id, instrument_key);
	`

	_, err := tx.Exec(schema)
	return err
}

func initialSchemaDown(tx *sql.Tx) error {
	dropTables := `
	DROP TABLE IF EXISTS order_references;
	DROP TABLE IF EXISTS cleanup_log;
	DROP TABLE IF EXISTS positions;
	DROP TABLE IF EXISTS bars;
	`

	_, err := tx.Exec(dropTables)
	return err
}

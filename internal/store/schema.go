package store

// schema is the DDL applied on startup. Using CREATE TABLE IF NOT EXISTS
// lets the same binary bootstrap a fresh database and reattach to an
// existing one, matching how the teacher engine tolerates re-running
// against an already-migrated TiDB/MySQL instance.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id VARCHAR(64) PRIMARY KEY,
	balance DECIMAL(38,10) NOT NULL
);

CREATE TABLE IF NOT EXISTS symbols (
	name VARCHAR(32) PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS positions (
	account_id VARCHAR(64) NOT NULL,
	symbol VARCHAR(32) NOT NULL,
	amount DECIMAL(38,10) NOT NULL,
	PRIMARY KEY (account_id, symbol)
);

CREATE TABLE IF NOT EXISTS orders (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	account_id VARCHAR(64) NOT NULL,
	symbol VARCHAR(32) NOT NULL,
	side ENUM('buy','sell') NOT NULL,
	original_amount DECIMAL(38,10) NOT NULL,
	limit_price DECIMAL(38,10) NOT NULL,
	open_amount DECIMAL(38,10) NOT NULL,
	created_at DATETIME(6) NOT NULL,
	canceled_at DATETIME(6) NULL,
	INDEX idx_symbol_side_open (symbol, side, open_amount, canceled_at)
);

CREATE TABLE IF NOT EXISTS executions (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	order_id BIGINT NOT NULL,
	shares DECIMAL(38,10) NOT NULL,
	price DECIMAL(38,10) NOT NULL,
	executed_at DATETIME(6) NOT NULL,
	INDEX idx_order (order_id)
);
`

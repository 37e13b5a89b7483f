package postgres

// SQL-миграции встроены в бинарник, чтобы деплой был одним файлом.
var migrations = []struct {
	version int
	name    string
	sql     string
}{
	{1, "accounts", migration001Accounts},
	{2, "ledger_transactions", migration002Ledger},
	{3, "payment_events", migration003Payments},
	{4, "admin_login_attempts", migration004Admin},
}

// balance в accounts — кэш суммы delta из ledger_transactions, обновляется в той же транзакции.
var migration001Accounts = `
CREATE TABLE IF NOT EXISTS accounts (
    id BIGINT PRIMARY KEY,
    balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
    trial_granted BOOLEAN NOT NULL DEFAULT FALSE,
    is_banned BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

var migration002Ledger = `
CREATE TABLE IF NOT EXISTS ledger_transactions (
    id BIGSERIAL PRIMARY KEY,
    account_id BIGINT NOT NULL REFERENCES accounts(id),
    delta BIGINT NOT NULL CHECK (delta <> 0),
    reason VARCHAR(32) NOT NULL,
    external_ref VARCHAR(255),
    balance_after BIGINT NOT NULL CHECK (balance_after >= 0),
    description TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT ledger_transactions_external_ref_key UNIQUE (external_ref)
);
CREATE INDEX IF NOT EXISTS idx_ledger_account_created ON ledger_transactions(account_id, created_at DESC);
`

var migration003Payments = `
CREATE TABLE IF NOT EXISTS payment_events (
    id UUID PRIMARY KEY,
    source VARCHAR(16) NOT NULL,
    external_id VARCHAR(255) NOT NULL,
    account_id BIGINT NOT NULL,
    amount NUMERIC(18,2) NOT NULL,
    currency VARCHAR(8) NOT NULL,
    plan_code VARCHAR(64) NOT NULL DEFAULT '',
    signature TEXT NOT NULL DEFAULT '',
    status VARCHAR(16) NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    transaction_id BIGINT REFERENCES ledger_transactions(id),
    received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_payment_events_external ON payment_events(source, external_id);
CREATE INDEX IF NOT EXISTS idx_payment_events_status ON payment_events(status, received_at);
`

var migration004Admin = `
CREATE TABLE IF NOT EXISTS admin_login_attempts (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL,
    attempt_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    success BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_admin_login_attempts_user ON admin_login_attempts(user_id, attempt_time DESC);
`

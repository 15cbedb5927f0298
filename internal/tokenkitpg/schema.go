package tokenkitpg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the token table and the RPC functions if they do not
// exist. Each function body runs as a single transaction, so the
// delete-then-insert supersession in store_token is never observable as two
// steps by concurrent writers.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS qbo_tokens (
    user_id TEXT PRIMARY KEY,
    realm_id TEXT NOT NULL UNIQUE,
    access_token TEXT NOT NULL,
    refresh_token TEXT NOT NULL DEFAULT '',
    token_type TEXT NOT NULL DEFAULT 'Bearer',
    issued_at_unix BIGINT NOT NULL,
    expires_at_unix BIGINT NOT NULL
);

CREATE OR REPLACE FUNCTION store_token(
    p_user_id TEXT,
    p_realm_id TEXT,
    p_access_token TEXT,
    p_refresh_token TEXT,
    p_token_type TEXT,
    p_issued_at_unix BIGINT,
    p_expires_at_unix BIGINT
) RETURNS TABLE (success BOOLEAN, message TEXT) AS $$
BEGIN
    DELETE FROM qbo_tokens WHERE user_id = p_user_id OR realm_id = p_realm_id;
    INSERT INTO qbo_tokens (user_id, realm_id, access_token, refresh_token, token_type, issued_at_unix, expires_at_unix)
    VALUES (p_user_id, p_realm_id, p_access_token, p_refresh_token, p_token_type, p_issued_at_unix, p_expires_at_unix);
    RETURN QUERY SELECT TRUE, 'stored'::TEXT;
END;
$$ LANGUAGE plpgsql;

CREATE OR REPLACE FUNCTION get_token(p_user_id TEXT)
RETURNS SETOF qbo_tokens AS $$
    SELECT * FROM qbo_tokens WHERE user_id = p_user_id;
$$ LANGUAGE sql;

CREATE OR REPLACE FUNCTION update_token(
    p_user_id TEXT,
    p_access_token TEXT,
    p_refresh_token TEXT,
    p_token_type TEXT,
    p_issued_at_unix BIGINT,
    p_expires_at_unix BIGINT
) RETURNS TABLE (success BOOLEAN, message TEXT) AS $$
DECLARE
    affected INTEGER;
BEGIN
    UPDATE qbo_tokens SET
        access_token = p_access_token,
        refresh_token = CASE WHEN p_refresh_token = '' THEN refresh_token ELSE p_refresh_token END,
        token_type = CASE WHEN p_token_type = '' THEN token_type ELSE p_token_type END,
        issued_at_unix = p_issued_at_unix,
        expires_at_unix = p_expires_at_unix
    WHERE user_id = p_user_id;
    GET DIAGNOSTICS affected = ROW_COUNT;
    IF affected = 0 THEN
        RETURN QUERY SELECT FALSE, 'not_found'::TEXT;
    ELSE
        RETURN QUERY SELECT TRUE, 'updated'::TEXT;
    END IF;
END;
$$ LANGUAGE plpgsql;

CREATE OR REPLACE FUNCTION delete_tokens(p_user_id TEXT)
RETURNS TABLE (success BOOLEAN, message TEXT) AS $$
BEGIN
    DELETE FROM qbo_tokens WHERE user_id = p_user_id;
    RETURN QUERY SELECT TRUE, 'deleted'::TEXT;
END;
$$ LANGUAGE plpgsql;
`)
	return err
}

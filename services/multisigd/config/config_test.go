package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"multisigd/crypto"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "multisigd.yaml", `
port: ":8080"
database_driver: sqlite
database_url: "file:multisig.db"
network: simulator
account_address: account_sim1multisig
frontend_origins: ["https://wallet.example"]
monitor:
  interval: 45s
submission:
  poll_interval: 3
  max_attempts: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, ":8080", cfg.ListenAddr())
	require.Equal(t, "sqlite", cfg.DatabaseDriver)
	require.Equal(t, 45*time.Second, cfg.Monitor.Interval.Duration)
	require.Equal(t, 3*time.Second, cfg.Submission.PollInterval.Duration)
	require.Equal(t, 5, cfg.Submission.MaxAttempts)
	require.Equal(t, 20*time.Second, cfg.Submission.SendTimeout.Duration)
	require.Equal(t, []string{"https://wallet.example"}, cfg.FrontendOrigins)
}

func TestLoadYAMLRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "multisigd.yml", "database_url: x\nport_number: 1\n")
	_, err := Load(path)
	require.ErrorContains(t, err, "decode config")
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "multisigd.toml", `
database_url = "postgres://localhost/multisig"
account_address = "account_tdx_2_1multisig"

[submission]
resubmit_after = "5m"

[auth]
enabled = true
hmac_secret = "s3cret"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, cfg.Submission.ResubmitAfter.Duration)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "postgres", cfg.DatabaseDriver)
	require.Equal(t, "https://babylon-stokenet-gateway.radixdlt.com", cfg.GatewayURL)
}

func TestLoadTOMLRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "multisigd.toml", "database_url = \"x\"\nmystery = 1\n")
	_, err := Load(path)
	require.ErrorContains(t, err, "unknown keys")
}

func TestUnsupportedExtension(t *testing.T) {
	_, err := Load(writeFile(t, "multisigd.json", "{}"))
	require.ErrorContains(t, err, "unsupported extension")
}

func TestEnvironmentOverrides(t *testing.T) {
	key, err := crypto.GeneratePrivateKey(crypto.KeyTypeSecp256k1)
	require.NoError(t, err)

	t.Setenv("DATABASE_URL", "postgres://env/multisig")
	t.Setenv("MULTISIG_ACCOUNT_ADDRESS", "account_tdx_2_1env")
	t.Setenv("MULTISIG_PORT", "9000")
	t.Setenv("FRONTEND_ORIGIN", "https://a.example,https://b.example")
	t.Setenv("MULTISIG_MONITOR_INTERVAL", "1m")
	t.Setenv("MULTISIG_FEE_PAYER_ACCOUNT", "account_tdx_2_1payer")
	t.Setenv("MULTISIG_FEE_PAYER_KEY_HEX", hex.EncodeToString(key.Bytes()))
	t.Setenv("MULTISIG_FEE_PAYER_KEY_TYPE", "secp256k1")
	t.Setenv("MULTISIG_SUBMISSION_MAX_ATTEMPTS", "7")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "postgres://env/multisig", cfg.DatabaseURL)
	require.Equal(t, "account_tdx_2_1env", cfg.AccountAddress)
	require.Equal(t, "9000", cfg.Port)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.FrontendOrigins)
	require.Equal(t, time.Minute, cfg.Monitor.Interval.Duration)
	require.Equal(t, 7, cfg.Submission.MaxAttempts)

	require.True(t, cfg.FeePayer.Enabled())
	payer, err := cfg.FeePayer.Resolve()
	require.NoError(t, err)
	require.Equal(t, "account_tdx_2_1payer", payer.Account)
	require.Equal(t, key.PublicKey().Hex(), payer.Key.PublicKey().Hex())
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "multisigd.yaml", "database_url: from-file\naccount_address: account_sim1file\nnetwork: simulator\n")
	t.Setenv("MULTISIG_DATABASE_URL", "from-env")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.DatabaseURL)
	require.Equal(t, "account_sim1file", cfg.AccountAddress)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Port = "99999"
	cfg.DatabaseDriver = "mysql"
	cfg.GatewayURL = "ftp://gateway"
	cfg.Network = "moonnet"
	cfg.Auth.Enabled = true
	cfg.Submission.MaxAttempts = 0
	cfg.FeePayer.KeyHex = "zz"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"invalid port",
		"unsupported database_driver",
		"database_url is required",
		"invalid gateway_url",
		"unknown network",
		"account_address is required",
		"fee_payer.account is required",
		"fee_payer.key_hex",
		"max_attempts must be at least 1",
		"auth.hmac_secret is required",
	} {
		require.ErrorContains(t, err, want)
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90")))
	require.Equal(t, 90*time.Second, d.Duration)
	require.NoError(t, d.UnmarshalText([]byte("250ms")))
	require.Equal(t, 250*time.Millisecond, d.Duration)
	require.Error(t, d.UnmarshalText([]byte("soon")))

	text, err := Duration{time.Minute}.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "1m0s", string(text))
}

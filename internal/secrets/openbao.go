package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	openbao "github.com/openbao/openbao/api/v2"
)

var ErrOpenBaoSecretNotFound = errors.New("openbao secret path not found")

// BootstrapFromOpenBao loads secrets from an OpenBao KV v2 path and exports them as environment variables.
// When OpenBao configuration variables are not present, the function is a no-op so existing workflows continue to work.
func BootstrapFromOpenBao(ctx context.Context) error {
	cfg := openBaoConfigFromEnv()
	if !cfg.enabled {
		return nil
	}

	secrets, err := readSecrets(ctx, cfg)
	if err != nil {
		return err
	}

	for k, v := range secrets {
		_ = os.Setenv(k, v)
	}
	return nil
}

type openBaoConfig struct {
	addr      string
	token     string
	mountPath string
	secretKey string
	namespace string
	enabled   bool
}

func openBaoConfigFromEnv() openBaoConfig {
	addr := strings.TrimSpace(os.Getenv("OPENBAO_ADDR"))
	token := os.Getenv("OPENBAO_TOKEN")
	secretPath := strings.Trim(strings.TrimSpace(os.Getenv("OPENBAO_SECRET_PATH")), "/")

	if addr == "" || token == "" || secretPath == "" {
		return openBaoConfig{enabled: false}
	}

	mount := os.Getenv("OPENBAO_MOUNT")
	if mount == "" {
		mount = "secret"
	}

	return openBaoConfig{
		addr:      strings.TrimRight(addr, "/"),
		token:     token,
		mountPath: strings.Trim(strings.TrimSpace(mount), "/"),
		secretKey: secretPath,
		namespace: strings.TrimSpace(os.Getenv("OPENBAO_NAMESPACE")),
		enabled:   true,
	}
}

func readSecrets(ctx context.Context, cfg openBaoConfig) (map[string]string, error) {
	clientCfg := openbao.DefaultConfig()
	clientCfg.Address = cfg.addr
	clientCfg.Timeout = 5 * time.Second
	clientCfg.MaxRetries = 1

	client, err := openbao.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create OpenBao client: %w", err)
	}
	client.SetToken(cfg.token)
	if cfg.namespace != "" {
		client.SetNamespace(cfg.namespace)
	}

	secret, err := client.KVv2(cfg.mountPath).Get(ctx, cfg.secretKey)
	if errors.Is(err, openbao.ErrSecretNotFound) {
		return nil, ErrOpenBaoSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read OpenBao secret %s/%s: %w", cfg.mountPath, cfg.secretKey, err)
	}
	return flatten(secret.Data), nil
}

// flatten keeps scalar values; anything else is skipped to avoid failing the
// entire bootstrap.
func flatten(data map[string]any) map[string]string {
	out := make(map[string]string, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case string:
			out[k] = val
		case json.Number:
			out[k] = val.String()
		case bool:
			out[k] = fmt.Sprint(val)
		case float64:
			out[k] = strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", val), "0"), ".")
		case fmt.Stringer:
			out[k] = val.String()
		}
	}
	return out
}

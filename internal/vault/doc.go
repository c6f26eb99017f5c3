// Package vault reads issuer key material from the HashiCorp Vault KV
// secrets engine.
//
// Only token authentication is supported. Secrets are read from KV v2
// mounts; a KV v1 response shape is accepted as well.
//
//	client, _ := vault.New(config.VaultConfig{
//	    Enabled: true,
//	    Address: "https://vault.example.com:8200",
//	    Token:   "s.xxxxx",
//	    Mount:   "secret",
//	})
//	pem, err := client.Certificate(ctx, "issuers/resident-km")
//
// For local testing, start Vault in dev mode:
//
//	vault server -dev -dev-root-token-id=myroot
//	vault kv put secret/issuers/resident-km certificate=@idp.pem
package vault

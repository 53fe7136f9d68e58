package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
)

// DefaultCredentialEndpoint is the Optimizely Authentication API endpoint
// that exchanges a personal access token for temporary export credentials.
const DefaultCredentialEndpoint = "https://api.optimizely.com/v2/export/credentials"

// Credential exchange errors
var (
	ErrCredentialRequest  = errors.New("credential exchange request failed")
	ErrCredentialStatus   = errors.New("credential endpoint returned non-success status")
	ErrCredentialResponse = errors.New("invalid JSON from credential endpoint")
	ErrCredentialFields   = errors.New("credential endpoint response missing required fields")
	ErrS3PathScheme       = errors.New("expected s3:// URL")
)

// expiryWindow refreshes exchanged credentials this long before they lapse so
// in-flight requests never sign with a dead credential.
const expiryWindow = 5 * time.Minute

// credentialTimeout bounds the exchange call. Transfers themselves carry no
// timeout; only the credential refresh does.
const credentialTimeout = 30 * time.Second

// ExportCredentials is one issued temporary credential set, plus the storage
// location hint the endpoint may return.
type ExportCredentials struct {
	AccessKey    string
	SecretKey    string
	SessionToken string
	Expiry       time.Time
	S3Path       string // e.g. s3://optimizely-events-data/v1/account_id=123
}

type credentialResponse struct {
	Credentials struct {
		AccessKeyID     string `json:"accessKeyId"`
		SecretAccessKey string `json:"secretAccessKey"`
		SessionToken    string `json:"sessionToken"`
		Expiration      int64  `json:"expiration"` // epoch milliseconds
	} `json:"credentials"`
	S3Path string `json:"s3Path"`
}

// fetchExportCredentials performs one exchange against the credential
// endpoint. Secret values are never logged.
func fetchExportCredentials(client *http.Client, endpoint, token, duration string) (*ExportCredentials, error) {
	reqURL := endpoint
	if duration != "" {
		reqURL += "?duration=" + url.QueryEscape(duration)
	}

	req, err := http.NewRequest(http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentialRequest, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentialRequest, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentialRequest, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d", ErrCredentialStatus, resp.StatusCode)
	}

	var parsed credentialResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentialResponse, err)
	}

	c := parsed.Credentials
	if c.AccessKeyID == "" || c.SecretAccessKey == "" || c.SessionToken == "" || c.Expiration == 0 {
		return nil, ErrCredentialFields
	}

	return &ExportCredentials{
		AccessKey:    c.AccessKeyID,
		SecretKey:    c.SecretAccessKey,
		SessionToken: c.SessionToken,
		Expiry:       time.UnixMilli(c.Expiration).UTC(),
		S3Path:       parsed.S3Path,
	}, nil
}

// exchangeProvider implements credentials.Provider on top of the Optimizely
// credential exchange. The embedded Expiry makes the SDK call Retrieve again
// once the issued credential lapses, so refresh is transparent to every S3
// operation.
type exchangeProvider struct {
	credentials.Expiry

	client   *http.Client
	endpoint string
	token    string
	duration string

	s3Path string // location hint discovered on first exchange
}

func newExchangeProvider(cfg *Config) *exchangeProvider {
	return &exchangeProvider{
		client:   &http.Client{Timeout: credentialTimeout},
		endpoint: cfg.Auth.Endpoint,
		token:    cfg.Auth.Token,
		duration: cfg.Auth.Duration,
	}
}

func (p *exchangeProvider) Retrieve() (credentials.Value, error) {
	creds, err := fetchExportCredentials(p.client, p.endpoint, p.token, p.duration)
	if err != nil {
		return credentials.Value{}, err
	}

	if p.s3Path == "" {
		p.s3Path = creds.S3Path
	}
	p.SetExpiration(creds.Expiry, expiryWindow)

	return credentials.Value{
		AccessKeyID:     creds.AccessKey,
		SecretAccessKey: creds.SecretKey,
		SessionToken:    creds.SessionToken,
		ProviderName:    "OptimizelyExchange",
	}, nil
}

// S3PathHint returns the storage location discovered during the first
// exchange, if the endpoint provided one.
func (p *exchangeProvider) S3PathHint() string {
	return p.s3Path
}

// newExchangeSession obtains an initial credential (failing fast before any
// S3 traffic) and builds a session that refreshes through the provider.
func newExchangeSession(cfg *Config) (*session.Session, *exchangeProvider, error) {
	provider := newExchangeProvider(cfg)
	if _, err := provider.Retrieve(); err != nil {
		return nil, nil, err
	}

	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(cfg.S3.Region),
		Credentials: credentials.NewCredentials(provider),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create S3 session: %w", err)
	}
	return sess, provider, nil
}

// newStaticSession builds a session from long-lived configured credentials.
func newStaticSession(cfg *Config) (*session.Session, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(cfg.S3.Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.SessionToken),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}
	return sess, nil
}

// parseS3Path splits s3://bucket/key-prefix into bucket and prefix. The
// prefix, when present, is normalized to end with a separator.
func parseS3Path(s3Path string) (bucket, prefix string, err error) {
	const scheme = "s3://"
	if !strings.HasPrefix(s3Path, scheme) {
		return "", "", fmt.Errorf("%w, got: %s", ErrS3PathScheme, s3Path)
	}
	rest := strings.TrimPrefix(s3Path, scheme)
	bucket, prefix, _ = strings.Cut(rest, "/")
	prefix = normalizePrefix(strings.TrimPrefix(prefix, "/"))
	return bucket, prefix, nil
}

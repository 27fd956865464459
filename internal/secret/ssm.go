// Package secret resolves backend keys held in AWS SSM Parameter Store.
package secret

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/smithy-go/logging"
	"github.com/pkg/errors"

	"agent-proxy/internal/config"
)

// ErrNoStore is returned when a backend asks for an SSM key but no store was configured.
var ErrNoStore = errors.New("SSM store is not configured")

// ParameterGetter is the subset of the SSM client used by SSMStore.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMStore fetches SecureString parameters and keeps them for the process lifetime.
// A nil *SSMStore is valid and fails every lookup with ErrNoStore.
type SSMStore struct {
	client ParameterGetter
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]string
}

// NewSSMStore wraps an SSM client.
func NewSSMStore(client ParameterGetter, logger *slog.Logger) *SSMStore {
	return &SSMStore{
		client: client,
		logger: logger.With("component", "ssm_store"),
		cache:  make(map[string]string),
	}
}

// NewStore builds an SSMStore from the default AWS credential chain.
// It returns a nil store when no backend references an SSM parameter, so
// deployments without AWS credentials never touch the SDK.
func NewStore(cfg *config.Config, logger *slog.Logger) (*SSMStore, error) {
	if !cfg.UsesSSM() {
		return nil, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AWS.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWS.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS configuration")
	}
	awsCfg.Logger = newAWSLogger(logger)

	return NewSSMStore(ssm.NewFromConfig(awsCfg), logger), nil
}

// Get returns the decrypted value of the named parameter.
func (s *SSMStore) Get(ctx context.Context, name string) (string, error) {
	if s == nil {
		return "", ErrNoStore
	}

	s.mu.Lock()
	v, ok := s.cache[name]
	s.mu.Unlock()
	if ok {
		return v, nil
	}

	s.logger.Debug("fetching SSM parameter", "name", name)
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to load SSM parameter %s", name)
	}
	if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
		return "", errors.Errorf("SSM parameter %s has no value", name)
	}

	v = aws.ToString(out.Parameter.Value)
	s.mu.Lock()
	s.cache[name] = v
	s.mu.Unlock()

	return v, nil
}

type awsLogger struct {
	logger *slog.Logger
}

func newAWSLogger(logger *slog.Logger) *awsLogger {
	return &awsLogger{logger.With("component", "aws_sdk")}
}

func (a *awsLogger) Logf(classification logging.Classification, format string, args ...any) {
	a.logger.Debug(fmt.Sprintf("[%v] %s", classification, fmt.Sprintf(format, args...)))
}

package deploy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/rs/zerolog/log"
)

// errNoKey marks a source that does not hold the named key, so a chain can
// move on to the next source
var errNoKey = errors.New("no such key")

// KeySource resolves a named key to its base64 public key
type KeySource interface {
	PublicKey(ctx context.Context, name string) (string, error)
}

// FileKeySource reads <Dir>/<name>/<name>_public.der
type FileKeySource struct {
	Dir string
}

// DefaultKeyDir returns ~/.ssh
func DefaultKeyDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ssh"
	}
	return filepath.Join(home, ".ssh")
}

func (s FileKeySource) PublicKey(_ context.Context, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid key name %q", name)
	}
	path := filepath.Join(s.Dir, name, name+"_public.der")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", errNoKey, path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%s is empty", path)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// SSMGetter is the subset of the SSM client used here
type SSMGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMKeySource reads keys from Parameter Store at <Prefix><name>
type SSMKeySource struct {
	Client SSMGetter
	Prefix string
}

func (s SSMKeySource) PublicKey(ctx context.Context, name string) (string, error) {
	param := s.Prefix + name
	out, err := s.Client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(param),
		WithDecryption: aws.Bool(true),
	})
	var notFound *ssmtypes.ParameterNotFound
	if errors.As(err, &notFound) {
		return "", fmt.Errorf("%w: ssm:%s", errNoKey, param)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read ssm:%s: %w", param, err)
	}
	if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
		return "", fmt.Errorf("%w: ssm:%s is empty", errNoKey, param)
	}
	return strings.TrimSpace(aws.ToString(out.Parameter.Value)), nil
}

// SecretGetter is the subset of the Secrets Manager client used here
type SecretGetter interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsKeySource reads keys stored as Secrets Manager secrets named
// <Prefix><name>. Binary secrets are base64 encoded.
type SecretsKeySource struct {
	Client SecretGetter
	Prefix string
}

func (s SecretsKeySource) PublicKey(ctx context.Context, name string) (string, error) {
	id := s.Prefix + name
	out, err := s.Client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("%w: secret:%s", errNoKey, id)
		}
		return "", fmt.Errorf("failed to read secret %s: %w", id, err)
	}
	if len(out.SecretBinary) > 0 {
		return base64.StdEncoding.EncodeToString(out.SecretBinary), nil
	}
	if v := strings.TrimSpace(aws.ToString(out.SecretString)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: secret:%s is empty", errNoKey, id)
}

// ChainKeySource tries each source in order. Sources that do not hold the
// key are skipped; any other failure stops the chain.
type ChainKeySource []KeySource

func (c ChainKeySource) PublicKey(ctx context.Context, name string) (string, error) {
	var tried []string
	for _, src := range c {
		key, err := src.PublicKey(ctx, name)
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, errNoKey) {
			return "", err
		}
		log.Debug().Err(err).Str("key", name).Msg("Key source does not hold key")
		tried = append(tried, err.Error())
	}
	return "", fmt.Errorf("%w: %s (tried: %s)", ErrKeyNotFound, name, strings.Join(tried, "; "))
}

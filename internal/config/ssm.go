package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/smithy-go"
)

// pageAttempts bounds how often one parameter page is requested.
const pageAttempts = 4

// pageBackoff is the wait before the second attempt; it doubles afterwards.
var pageBackoff = time.Second

// Loader overlays configuration stored under an SSM parameter path.
type Loader struct {
	ssm ssm.GetParametersByPathAPIClient
}

// NewLoader creates a loader using the default AWS credential chain.
func NewLoader(ctx context.Context, region string) (*Loader, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &Loader{ssm: ssm.NewFromConfig(cfg)}, nil
}

// Overlay reads every parameter below prefix and applies it to cfg. A
// parameter named <prefix>/thread_num sets ThreadNum, and so on. Unknown or
// malformed parameters are logged and skipped.
func (l *Loader) Overlay(ctx context.Context, cfg *Config, prefix string) (int, error) {
	params, err := l.getParameters(ctx, prefix)
	if err != nil {
		return 0, err
	}

	applied := 0
	base := strings.TrimSuffix(prefix, "/") + "/"
	for name, value := range params {
		key := strings.TrimPrefix(name, base)
		if err := cfg.Set(key, value); err != nil {
			slog.Warn("Skipping SSM parameter", "name", name, "error", err)
			continue
		}
		applied++
	}
	return applied, nil
}

// getParameters retrieves all parameters under prefix, one page at a time.
func (l *Loader) getParameters(ctx context.Context, prefix string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	out := make(map[string]string)
	paginator := ssm.NewGetParametersByPathPaginator(l.ssm, &ssm.GetParametersByPathInput{
		Path:           aws.String(prefix),
		Recursive:      aws.Bool(false),
		WithDecryption: aws.Bool(true),
	})

	for paginator.HasMorePages() {
		page, err := nextPage(ctx, paginator, prefix)
		if err != nil {
			return nil, fmt.Errorf("get parameters %s: %w", prefix, err)
		}
		for _, p := range page.Parameters {
			if p.Name == nil || p.Value == nil {
				continue
			}
			out[*p.Name] = *p.Value
		}
	}
	return out, nil
}

// nextPage fetches one page. A failed NextPage leaves the paginator on the
// same token, so the page is simply requested again. Throttling, server
// faults and transport errors are retried; client faults such as a denied
// path or a malformed prefix fail at once.
func nextPage(ctx context.Context, p *ssm.GetParametersByPathPaginator, prefix string) (*ssm.GetParametersByPathOutput, error) {
	delay := pageBackoff
	for attempt := 1; ; attempt++ {
		page, err := p.NextPage(ctx)
		if err == nil || attempt == pageAttempts || !retryable(err) {
			return page, err
		}

		wait := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		slog.Warn("SSM parameter page failed, retrying",
			"prefix", prefix,
			"attempt", attempt,
			"max_attempts", pageAttempts,
			"delay", wait,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "TooManyUpdates", "RequestLimitExceeded":
		return true
	}
	return apiErr.ErrorFault() == smithy.FaultServer
}

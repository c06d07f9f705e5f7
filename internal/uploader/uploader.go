// Package uploader ships finished stream files to S3.
package uploader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"

	"github.com/john/livefeed/internal/bus"
)

// Options configure the uploader.
type Options struct {
	Bucket string
	Region string

	// RoleARN with WebIdentityTokenFile selects OIDC web-identity
	// authentication; AccessKeyID/SecretAccessKey select static
	// credentials. With neither, the SDK default chain applies.
	RoleARN              string
	WebIdentityTokenFile string
	AccessKeyID          string
	SecretAccessKey      string

	// DeleteAfter removes the local file once it is stored.
	DeleteAfter bool
	// MaxRetries bounds the per-file retry loop (exponential backoff).
	MaxRetries int
	// ScanDir, when set, is swept at startup for finished files left
	// behind by an earlier run.
	ScanDir string
}

// Plugin uploads every file announced on the files channel.
type Plugin struct {
	opts  Options
	files <-chan string
	log   zerolog.Logger

	client *s3.Client
}

// New creates the plugin. files is the completed-file announcement
// channel, typically the save plugin's.
func New(opts Options, files <-chan string) *Plugin {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &Plugin{opts: opts, files: files}
}

// Name implements bus.Plugin.
func (p *Plugin) Name() string { return "uploader" }

// Init implements bus.Plugin.
func (p *Plugin) Init(ctx *bus.Context) error {
	p.log = ctx.Logger()
	if p.opts.Bucket == "" {
		return fmt.Errorf("uploader: bucket is required")
	}

	client, err := p.buildClient(ctx.Context())
	if err != nil {
		return err
	}
	p.client = client

	if p.opts.ScanDir != "" {
		if err := p.scanExisting(ctx.Context()); err != nil {
			p.log.Warn().Err(err).Msg("startup scan failed")
		}
	}
	go p.run(ctx.Context())
	return nil
}

func (p *Plugin) buildClient(ctx context.Context) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(p.opts.Region),
	}
	if p.opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(p.opts.AccessKeyID, p.opts.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	if p.opts.RoleARN != "" && p.opts.WebIdentityTokenFile != "" {
		provider := stscreds.NewWebIdentityRoleProvider(
			sts.NewFromConfig(cfg),
			p.opts.RoleARN,
			stscreds.IdentityTokenFile(p.opts.WebIdentityTokenFile),
		)
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}
	return s3.NewFromConfig(cfg), nil
}

// scanExisting queues finished files an earlier run did not ship.
// In-progress .part files are left alone.
func (p *Plugin) scanExisting(ctx context.Context) error {
	entries, err := os.ReadDir(p.opts.ScanDir)
	if err != nil {
		return fmt.Errorf("read scan directory: %w", err)
	}
	count := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		count++
		go p.uploadWithRetry(ctx, filepath.Join(p.opts.ScanDir, entry.Name()))
	}
	if count > 0 {
		p.log.Info().Int("files", count).Msg("queued leftover files")
	}
	return nil
}

func (p *Plugin) run(ctx context.Context) {
	for {
		select {
		case path := <-p.files:
			go p.uploadWithRetry(ctx, path)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Plugin) uploadWithRetry(ctx context.Context, path string) {
	name := filepath.Base(path)
	key, err := objectKey(name)
	if err != nil {
		p.log.Error().Err(err).Str("file", name).Msg("derive object key")
		return
	}

	for attempt := 0; attempt <= p.opts.MaxRetries; attempt++ {
		err := p.put(ctx, path, key)
		if err == nil {
			p.log.Info().Str("file", name).Str("key", key).Msg("uploaded")
			if p.opts.DeleteAfter {
				if err := os.Remove(path); err != nil {
					p.log.Warn().Err(err).Str("file", name).Msg("delete after upload")
				}
			}
			return
		}
		if attempt == p.opts.MaxRetries {
			break
		}
		backoff := time.Duration(1<<uint(attempt)) * time.Second
		p.log.Warn().Err(err).Str("file", name).Dur("backoff", backoff).
			Int("attempt", attempt+1).Msg("upload failed, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}
	p.log.Error().Str("file", name).Int("attempts", p.opts.MaxRetries+1).Msg("upload abandoned")
}

func (p *Plugin) put(ctx context.Context, path, key string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.opts.Bucket),
		Key:    aws.String(key),
		Body:   file,
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// objectKey derives the bucket layout from a stream file name.
// Input:  bilibili_92613-20260830_153000L.jsonl
// Output: 2026/08/30/bilibili/92613/bilibili_92613-20260830_153000L.jsonl
func objectKey(filename string) (string, error) {
	stem := strings.TrimSuffix(filename, ".jsonl")
	stem = strings.TrimSuffix(stem, ".raw")

	ident, stamp, ok := strings.Cut(stem, "-")
	if !ok {
		return "", fmt.Errorf("file name %q: no timestamp separator", filename)
	}
	platform, roomID, ok := strings.Cut(ident, "_")
	if !ok || platform == "" || roomID == "" {
		return "", fmt.Errorf("file name %q: no platform_room prefix", filename)
	}

	// Trim the status letter off the timestamp.
	if len(stamp) != len("20060102_150405")+1 {
		return "", fmt.Errorf("file name %q: malformed timestamp", filename)
	}
	t, err := time.Parse("20060102_150405", stamp[:len(stamp)-1])
	if err != nil {
		return "", fmt.Errorf("file name %q: %w", filename, err)
	}

	return fmt.Sprintf("%04d/%02d/%02d/%s/%s/%s",
		t.Year(), t.Month(), t.Day(), platform, roomID, filename), nil
}

package writer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "l2flow/config"
	"l2flow/logger"
)

// s3PutAPI is the part of the S3 client the archiver needs.
type s3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type ArchiverStats struct {
	Uploaded int64
	Failed   int64
	Dropped  int64
}

// S3Archiver uploads sealed bucket files. Uploads run on their own goroutine
// so sealing never waits on the network.
type S3Archiver struct {
	config  *appconfig.Config
	client  s3PutAPI
	session string
	queue   chan SealedBucket

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	uploaded, failed, dropped int64
}

// NewS3Client builds an S3 client from storage.s3, preferring static keys
// when both are configured.
func NewS3Client(ctx context.Context, cfg *appconfig.Config) (*s3.Client, error) {
	log := logger.GetLogger()
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("s3_archiver").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	log.WithComponent("s3_archiver").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("s3 client initialized")
	return client, nil
}

func NewS3Archiver(cfg *appconfig.Config, client s3PutAPI, session string) *S3Archiver {
	return &S3Archiver{
		config:  cfg,
		client:  client,
		session: session,
		queue:   make(chan SealedBucket, 256),
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
	}
}

func (a *S3Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("s3 archiver already running")
	}
	a.running = true
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.run()
	return nil
}

// Stop uploads what is already queued, then returns.
func (a *S3Archiver) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	close(a.queue)
	a.wg.Wait()
	a.cancel()
	a.log.WithComponent("s3_archiver").Info("s3 archiver stopped")
}

// HandleSealed queues a sealed bucket for upload. A full queue drops it; the
// file stays on local disk.
func (a *S3Archiver) HandleSealed(b SealedBucket) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.running {
		return
	}
	select {
	case a.queue <- b:
	default:
		atomic.AddInt64(&a.dropped, 1)
		a.log.WithComponent("s3_archiver").WithFields(logger.Fields{"path": b.Path}).Warn("upload queue full, leaving file local")
	}
}

func (a *S3Archiver) run() {
	defer a.wg.Done()
	for b := range a.queue {
		if err := a.upload(b); err != nil {
			atomic.AddInt64(&a.failed, 1)
			a.log.WithComponent("s3_archiver").WithError(err).WithFields(logger.Fields{
				"bucket": a.config.Storage.S3.Bucket,
				"path":   b.Path,
			}).Error("failed to upload to S3")
			continue
		}
		atomic.AddInt64(&a.uploaded, 1)
	}
}

// ObjectKey is {prefix}/exchange=okx/instrument=X/{year}/{month}/{day}/{file},
// where file is the sealed file's own name ({stem}.{ext} when unknown).
func ObjectKey(prefix string, b SealedBucket) string {
	t := b.Key.Start.UTC()
	name := b.Key.Stem() + "." + b.Format
	if b.Path != "" {
		name = filepath.Base(b.Path)
	}
	key := path.Join(
		fmt.Sprintf("exchange=%s", b.Key.Exchange),
		fmt.Sprintf("instrument=%s", b.Key.InstrumentID),
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", t.Month()),
		fmt.Sprintf("%02d", t.Day()),
		name,
	)
	if prefix != "" {
		key = path.Join(prefix, key)
	}
	return key
}

func (a *S3Archiver) upload(b SealedBucket) error {
	f, err := os.Open(b.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	key := ObjectKey(a.config.Storage.S3.Prefix, b)
	contentType := "application/x-ndjson"
	if b.Format == FormatParquet {
		contentType = "application/octet-stream"
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(a.config.Storage.S3.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(b.Size),
		ContentType:   aws.String(contentType),
		Metadata: map[string]string{
			"format":         b.Format,
			"records":        fmt.Sprintf("%d", b.Records),
			"writer-session": a.session,
			"l2flow-version": a.config.L2flow.Version,
		},
	}

	ctx := context.WithoutCancel(a.ctx)
	if _, err := a.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", a.config.Storage.S3.Bucket, err)
	}
	a.log.WithComponent("s3_archiver").WithFields(logger.Fields{
		"s3_key":  key,
		"records": b.Records,
		"size":    b.Size,
	}).Info("bucket archived")
	return nil
}

func (a *S3Archiver) GetStats() ArchiverStats {
	return ArchiverStats{
		Uploaded: atomic.LoadInt64(&a.uploaded),
		Failed:   atomic.LoadInt64(&a.failed),
		Dropped:  atomic.LoadInt64(&a.dropped),
	}
}

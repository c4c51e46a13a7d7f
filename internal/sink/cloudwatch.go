package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/google/uuid"

	"dbgate/internal/domain"
)

// cloudWatchAPI is the subset of the CloudWatch Logs client the sink uses.
// Narrowed to an interface so tests can drive the sequence-token state
// machine without AWS.
type cloudWatchAPI interface {
	CreateLogGroup(ctx context.Context, in *cloudwatchlogs.CreateLogGroupInput, opts ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	CreateLogStream(ctx context.Context, in *cloudwatchlogs.CreateLogStreamInput, opts ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	DescribeLogStreams(ctx context.Context, in *cloudwatchlogs.DescribeLogStreamsInput, opts ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogStreamsOutput, error)
	PutLogEvents(ctx context.Context, in *cloudwatchlogs.PutLogEventsInput, opts ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

var _ domain.Sink = (*CloudWatchSink)(nil)

// CloudWatchSink batches entries and delivers them to a CloudWatch Logs
// stream, maintaining the upload sequence token across flushes.
//
// State machine: the client is built once on first use; if credentials or
// region cannot be resolved the sink disables itself permanently: sends
// become no-ops and the condition is diagnosed once, never raised to the
// tool caller. The log group and stream are created lazily on first flush,
// tolerating already-exists. A put rejected for a stale token adopts the
// server's expected token and retries exactly once.
type CloudWatchSink struct {
	logGroup  string
	logStream string
	region    string
	accessKey string
	secretKey string
	logger    *slog.Logger
	b         *batcher

	initOnce sync.Once

	mu            sync.Mutex
	client        cloudWatchAPI
	disabled      bool
	streamReady   bool
	sequenceToken *string
}

// NewCloudWatch starts the flush scheduler. Client construction is deferred
// so a misconfigured AWS environment degrades to a disabled sink instead of
// failing server startup.
func NewCloudWatch(cfg CloudWatchConfig, logger *slog.Logger) *CloudWatchSink {
	logStream := cfg.LogStream
	if logStream == "" {
		logStream = fmt.Sprintf("dbgate-audit-%s-%s",
			time.Now().UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
	}

	s := &CloudWatchSink{
		logGroup:  cfg.LogGroup,
		logStream: logStream,
		region:    cfg.Region,
		accessKey: cfg.AccessKeyID,
		secretKey: cfg.SecretAccessKey,
		logger:    logger,
	}
	s.b = newBatcher(cfg.BatchSize, cfg.FlushIntervalMs, s.deliver, logger)

	// Build the client off the send path so the first flush does not pay
	// for it.
	go s.ensureClient()

	return s
}

// Type identifies the sink kind.
func (s *CloudWatchSink) Type() string { return KindCloudWatch }

// Send buffers the entry. A disabled sink accepts and discards.
func (s *CloudWatchSink) Send(entry *domain.AuditLogEntry) error {
	s.mu.Lock()
	disabled := s.disabled
	s.mu.Unlock()
	if disabled {
		return nil
	}
	s.b.add(entry)
	return nil
}

// Flush delivers the currently buffered entries.
func (s *CloudWatchSink) Flush(ctx context.Context) error { return s.b.flush(ctx) }

// Close stops the flush scheduler, delivers the final batch, and releases
// the client.
func (s *CloudWatchSink) Close(ctx context.Context) error {
	err := s.b.close(ctx)
	s.mu.Lock()
	s.client = nil
	s.mu.Unlock()
	return err
}

// ensureClient builds the CloudWatch Logs client once. Missing group name,
// region, or credentials permanently disables the sink.
func (s *CloudWatchSink) ensureClient() {
	s.initOnce.Do(func() {
		region := s.region
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = os.Getenv("AWS_DEFAULT_REGION")
		}

		accessKey, secretKey := s.accessKey, s.secretKey
		if accessKey == "" {
			accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
			secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
		}

		if region == "" || accessKey == "" || secretKey == "" {
			s.disable("cloudwatch credentials or region unavailable, audit delivery to CloudWatch disabled")
			return
		}

		client := cloudwatchlogs.New(cloudwatchlogs.Options{
			Region: region,
			Credentials: credentials.NewStaticCredentialsProvider(
				accessKey, secretKey, os.Getenv("AWS_SESSION_TOKEN"),
			),
		})

		s.mu.Lock()
		s.client = client
		s.mu.Unlock()
	})
}

func (s *CloudWatchSink) disable(reason string) {
	s.mu.Lock()
	already := s.disabled
	s.disabled = true
	s.mu.Unlock()
	if !already {
		s.logger.Warn(reason,
			"error", domain.ErrCapability("%s", reason), "logGroup", s.logGroup)
	}
}

func (s *CloudWatchSink) deliver(ctx context.Context, batch []*domain.AuditLogEntry) error {
	s.ensureClient()

	s.mu.Lock()
	client := s.client
	disabled := s.disabled
	s.mu.Unlock()
	if disabled || client == nil {
		return nil
	}

	if err := s.ensureStream(ctx, client); err != nil {
		return err
	}

	events := make([]types.InputLogEvent, 0, len(batch))
	for _, entry := range batch {
		line, err := json.Marshal(entry)
		if err != nil {
			s.logger.Warn("marshal audit entry failed", "tool", entry.ToolName, "error", err)
			continue
		}
		events = append(events, types.InputLogEvent{
			Timestamp: aws.Int64(eventMillis(entry.Timestamp)),
			Message:   aws.String(string(line)),
		})
	}
	if len(events) == 0 {
		return nil
	}

	return s.putEvents(ctx, client, events)
}

// ensureStream lazily creates the log group and stream, tolerating
// already-exists, then loads the stream's upload sequence token.
func (s *CloudWatchSink) ensureStream(ctx context.Context, client cloudWatchAPI) error {
	s.mu.Lock()
	ready := s.streamReady
	s.mu.Unlock()
	if ready {
		return nil
	}

	_, err := client.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(s.logGroup),
	})
	if err != nil && !isAlreadyExists(err) {
		return domain.ErrDelivery("create log group %s: %v", s.logGroup, err)
	}

	_, err = client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(s.logGroup),
		LogStreamName: aws.String(s.logStream),
	})
	if err != nil && !isAlreadyExists(err) {
		return domain.ErrDelivery("create log stream %s: %v", s.logStream, err)
	}

	out, err := client.DescribeLogStreams(ctx, &cloudwatchlogs.DescribeLogStreamsInput{
		LogGroupName:        aws.String(s.logGroup),
		LogStreamNamePrefix: aws.String(s.logStream),
	})
	if err != nil {
		return domain.ErrDelivery("describe log stream %s: %v", s.logStream, err)
	}

	s.mu.Lock()
	for _, stream := range out.LogStreams {
		if aws.ToString(stream.LogStreamName) == s.logStream {
			s.sequenceToken = stream.UploadSequenceToken
			break
		}
	}
	s.streamReady = true
	s.mu.Unlock()
	return nil
}

// putEvents uploads one batch, adopting the server's expected sequence token
// and retrying exactly once on a token conflict.
func (s *CloudWatchSink) putEvents(ctx context.Context, client cloudWatchAPI, events []types.InputLogEvent) error {
	s.mu.Lock()
	token := s.sequenceToken
	s.mu.Unlock()

	out, err := client.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(s.logGroup),
		LogStreamName: aws.String(s.logStream),
		LogEvents:     events,
		SequenceToken: token,
	})
	if err != nil {
		expected, ok := expectedToken(err)
		if !ok {
			return domain.ErrDelivery("put %d log events: %v", len(events), err)
		}

		s.logger.Warn("cloudwatch sequence token conflict, retrying with server token",
			"logStream", s.logStream)
		out, err = client.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
			LogGroupName:  aws.String(s.logGroup),
			LogStreamName: aws.String(s.logStream),
			LogEvents:     events,
			SequenceToken: expected,
		})
		if err != nil {
			return domain.ErrProtocolState("put %d log events after token correction: %v",
				len(events), err)
		}
	}

	s.mu.Lock()
	s.sequenceToken = out.NextSequenceToken
	s.mu.Unlock()
	return nil
}

func isAlreadyExists(err error) bool {
	var exists *types.ResourceAlreadyExistsException
	return errors.As(err, &exists)
}

// expectedToken extracts the server's expected sequence token from a
// token-conflict error. DataAlreadyAccepted means a previous attempt landed;
// retrying with the expected token is idempotent for the next batch.
func expectedToken(err error) (*string, bool) {
	var invalid *types.InvalidSequenceTokenException
	if errors.As(err, &invalid) {
		return invalid.ExpectedSequenceToken, true
	}
	var accepted *types.DataAlreadyAcceptedException
	if errors.As(err, &accepted) {
		return accepted.ExpectedSequenceToken, true
	}
	return nil, false
}

// eventMillis derives the CloudWatch event timestamp from the entry's wire
// timestamp, falling back to now.
func eventMillis(timestamp string) int64 {
	if ts, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
		return ts.UnixMilli()
	}
	return time.Now().UnixMilli()
}

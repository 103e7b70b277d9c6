// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 implements ObjectStore through the S3 protocol. It uses aws api
// v1. S3 objects are immutable, hence partial writes are read-modify-write of
// the whole object. This is acceptable since image objects are small (4MiB by
// default) but it also means concurrent partial writers to the same object
// race, which is within the last-write-wins contract of the client.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"golang.org/x/net/http2"

	"github.com/asch/rbd/store"
)

const (
	// Largest page ListObjectsV2 returns.
	maxListPage = 1000
)

// Implementation of ObjectStore using AWS S3 or compatible server as a
// backend. Parameters of http connection are carefully tuned for the best
// performance in the AWS environment.
type S3 struct {
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	client     *s3.S3
	bucket     string
	prefix     string
}

// Options to use in New() function due to high number of parameters. There is
// lower chance of ordering mistake with named parameters.
type Options struct {
	Remote    string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string

	// Namespace of all objects within the bucket. Allows multiple
	// clusters in one bucket.
	Prefix string
}

// Helper struct used for tuning the http connection.
type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration
}

// Returns http client with configured parameters and added https2 support.
func newHTTPClientWithSettings(httpSettings httpClientSettings) *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: httpSettings.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: httpSettings.connKeepAlive,
			Timeout:   httpSettings.connect,
		}).DialContext,
		MaxIdleConns:          httpSettings.maxAllIdleConns,
		IdleConnTimeout:       httpSettings.idleConn,
		TLSHandshakeTimeout:   httpSettings.tlsHandshake,
		MaxIdleConnsPerHost:   httpSettings.maxHostIdleConns,
		ExpectContinueTimeout: httpSettings.expectContinue,
	}

	http2.ConfigureTransport(tr)

	return &http.Client{
		Transport: tr,
	}
}

// New creates the client and makes sure the bucket exists. Failure of the
// bucket check is the first point where bad credentials are detected.
func New(ctx context.Context, o Options) (*S3, error) {
	s := new(S3)
	s.bucket = o.Bucket
	s.prefix = o.Prefix

	// For the best possible performance it should be tuned according to
	// the object backend. Following settings are recommended by AWS for
	// usage in their network.
	httpClient := newHTTPClientWithSettings(httpClientSettings{
		connect:          5 * time.Second,
		expectContinue:   1 * time.Second,
		idleConn:         90 * time.Second,
		connKeepAlive:    30 * time.Second,
		maxAllIdleConns:  100,
		maxHostIdleConns: 10,
		responseHeader:   5 * time.Second,
		tlsHandshake:     5 * time.Second,
	})

	cfg := &aws.Config{
		Region:                        aws.String(o.Region),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    httpClient,
	}
	if o.Remote != "" {
		cfg.Endpoint = aws.String(o.Remote)
	}
	if o.AccessKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, "")
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, err
	}

	s.client = s3.New(sess)
	s.uploader = s3manager.NewUploader(sess)
	s.downloader = s3manager.NewDownloader(sess)

	// Limiting the concurency of s3 library. We do not benefit from
	// multipart uploads/downloads because we have small objects.
	// Parallelism is achieved by issuing requests for multiple objects.
	s.uploader.Concurrency = 1
	s3manager.WithUploaderRequestOptions(request.Option(func(r *request.Request) {
		r.HTTPRequest.Header.Add("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	}))(s.uploader)
	s.downloader.Concurrency = 1

	if err := s.makeBucketExist(ctx); err != nil {
		return nil, translate(err)
	}

	return s, nil
}

// Check whether bucket exist and if not, create it and wait until it appears.
func (s *S3) makeBucketExist(ctx context.Context) error {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	if isAuth(err) {
		return err
	}

	_, err = s.client.CreateBucketWithContext(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket)})

	if err == nil {
		err = s.client.WaitUntilBucketExistsWithContext(ctx, &s3.HeadBucketInput{
			Bucket: aws.String(s.bucket)})
	}

	return err
}

func isAuth(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}

	switch aerr.Code() {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "Forbidden":
		return true
	}

	var rf awserr.RequestFailure
	if errors.As(err, &rf) {
		return rf.StatusCode() == http.StatusForbidden
	}

	return false
}

// Maps aws errors to store errors.
func translate(err error) error {
	if err == nil {
		return nil
	}

	if isAuth(err) {
		return fmt.Errorf("%w: %v", store.ErrAuth, err)
	}

	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return store.ErrNotExist
		case request.ErrCodeRequestError, request.ErrCodeResponseTimeout, "RequestTimeout",
			"SlowDown", "ServiceUnavailable", "InternalError", "ThrottlingException":
			return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
	}

	var rf awserr.RequestFailure
	if errors.As(err, &rf) && rf.StatusCode() >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	return err
}

func isInvalidRange(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == "InvalidRange"
}

func (s *S3) key(name string) *string {
	return aws.String(s.prefix + name)
}

// ReadAt implemented through ranged GET.
func (s *S3) ReadAt(ctx context.Context, name string, buf []byte, offset int64) (int, error) {
	if len(buf) == 0 {
		_, err := s.Stat(ctx, name)
		return 0, err
	}

	to := offset + int64(len(buf)) - 1
	rng := fmt.Sprintf("bytes=%d-%d", offset, to)
	b := aws.NewWriteAtBuffer(buf)

	n, err := s.downloader.DownloadWithContext(ctx, b, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(name),
		Range:  &rng,
	})

	if isInvalidRange(err) {
		// Offset is past the end of an existing object.
		return 0, nil
	}

	return int(n), translate(err)
}

// WriteAt downloads the object, patches it and uploads it back.
func (s *S3) WriteAt(ctx context.Context, name string, buf []byte, offset int64) error {
	current, err := store.ReadAll(ctx, s, name)
	if err != nil && !errors.Is(err, store.ErrNotExist) {
		return err
	}

	if end := offset + int64(len(buf)); end > int64(len(current)) {
		grown := make([]byte, end)
		copy(grown, current)
		current = grown
	}
	copy(current[offset:], buf)

	return s.WriteFull(ctx, name, current)
}

// WriteFull implemented through s3 upload.
func (s *S3) WriteFull(ctx context.Context, name string, buf []byte) error {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(name),
		Body:   bytes.NewReader(buf),
	})

	return translate(err)
}

// Create checks the existence and uploads. S3 api v1 has no conditional put,
// so two racing creators can both succeed.
func (s *S3) Create(ctx context.Context, name string, buf []byte) error {
	_, err := s.Stat(ctx, name)
	if err == nil {
		return store.ErrExist
	}
	if !errors.Is(err, store.ErrNotExist) {
		return err
	}

	return s.WriteFull(ctx, name, buf)
}

// Stat implemented through HEAD request.
func (s *S3) Stat(ctx context.Context, name string) (int64, error) {
	head, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(name),
	})

	var size int64
	if err == nil {
		size = aws.Int64Value(head.ContentLength)
	}

	return size, translate(err)
}

func (s *S3) Truncate(ctx context.Context, name string, size int64) error {
	current, err := store.ReadAll(ctx, s, name)
	if err != nil && !errors.Is(err, store.ErrNotExist) {
		return err
	}

	t := make([]byte, size)
	copy(t, current)

	return s.WriteFull(ctx, name, t)
}

// Remove reports missing objects since S3 delete is idempotent and would
// hide them.
func (s *S3) Remove(ctx context.Context, name string) error {
	if _, err := s.Stat(ctx, name); err != nil {
		return err
	}

	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(name),
	})

	return translate(err)
}

// List implemented through ListObjectsV2 pages. S3 returns keys in
// lexicographical order.
func (s *S3) List(ctx context.Context, prefix, startAfter string, max int) ([]string, error) {
	names := make([]string, 0)

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: s.key(prefix),
	}
	if startAfter != "" {
		input.StartAfter = s.key(startAfter)
	}
	if max > 0 && max < maxListPage {
		input.MaxKeys = aws.Int64(int64(max))
	}

	err := s.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, last bool) bool {
		for _, o := range page.Contents {
			names = append(names, aws.StringValue(o.Key)[len(s.prefix):])
			if max > 0 && len(names) == max {
				return false
			}
		}
		return true
	})

	return names, translate(err)
}

func (s *S3) Close() error {
	return nil
}

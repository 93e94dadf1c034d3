package s3blob

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/holdings/internal/domain"
)

type fakeBucket struct {
	objects map[string][]byte
	types   map[string]string
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.objects[key] = body
	f.types[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func TestArchiver_ArchiveAndFetch(t *testing.T) {
	bucket := newFakeBucket()
	a := newArchiver(nil, bucket, "archive", "/history/")
	snap := domain.PortfolioSnapshot{
		Account:           "0xabc",
		AsOf:              time.Date(2024, 7, 4, 15, 30, 0, 0, time.UTC),
		ReportingCurrency: "USD",
		TotalValue:        domain.MustMoney("1234.56"),
		Unavailable:       []string{"FOO"},
	}

	key, err := a.Archive(context.Background(), snap)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "history/0xabc/2024/07/04/20240704T153000"), key)
	assert.True(t, strings.HasSuffix(key, ".json"))
	assert.Equal(t, "application/json", bucket.types["archive/"+key])

	got, err := a.Fetch(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", got.Account)
	assert.True(t, got.TotalValue.Equal(snap.TotalValue))
	assert.Equal(t, []string{"FOO"}, got.Unavailable)

	_, err = a.Fetch(context.Background(), "missing")
	assert.Error(t, err)
}

func TestArchiver_RejectsAnonymousSnapshot(t *testing.T) {
	a := newArchiver(nil, newFakeBucket(), "archive", "")
	_, err := a.Archive(context.Background(), domain.PortfolioSnapshot{})
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.local", normaliseEndpoint("s3.local", true))
	assert.Equal(t, "http://s3.local", normaliseEndpoint("s3.local", false))
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), nil, ClientConfig{Region: "us-east-1"})
	assert.Error(t, err)
	_, err = New(context.Background(), nil, ClientConfig{Bucket: "b"})
	assert.Error(t, err)
}

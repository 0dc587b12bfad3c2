package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"fieldsync/internal/domain/queue"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

type MockPutter struct {
	mock.Mock
}

func (m *MockPutter) PutObject(ctx context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.PutObjectOutput)
	return out, args.Error(1)
}

func photoItem(t *testing.T, upload PhotoUpload) queue.Item {
	t.Helper()
	data, err := json.Marshal(upload)
	require.NoError(t, err)
	return queue.Item{ID: "item-1", Type: QueueTypePhoto, EntityID: "photo-1", Action: QueueActionUpload, Data: data}
}

func TestMediaUploader_Handle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gate.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg-bytes"), 0600))

	var body []byte
	putter := &MockPutter{}
	putter.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		return aws.ToString(in.Bucket) == "field-media" &&
			aws.ToString(in.Key) == "photos/photo-1.jpg" &&
			aws.ToString(in.ContentType) == "image/jpeg"
	})).Run(func(args mock.Arguments) {
		body, _ = io.ReadAll(args.Get(1).(*s3.PutObjectInput).Body)
	}).Return(&s3.PutObjectOutput{}, nil)

	var uploadedKey string
	u := newMediaUploader(putter, "field-media", slog.Default())
	u.OnUploaded(func(_ context.Context, photoID, key string) error {
		assert.Equal(t, "photo-1", photoID)
		uploadedKey = key
		return nil
	})

	ok, err := u.Handle(context.Background(), photoItem(t, PhotoUpload{Path: path, ContentType: "image/jpeg"}))

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "photos/photo-1.jpg", uploadedKey)
	assert.Equal(t, "jpeg-bytes", string(body))
	putter.AssertExpectations(t)
}

func TestMediaUploader_Failures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gate.png")
	require.NoError(t, os.WriteFile(path, []byte("png"), 0600))

	t.Run("missing file", func(t *testing.T) {
		u := newMediaUploader(&MockPutter{}, "b", slog.Default())
		ok, err := u.Handle(context.Background(), photoItem(t, PhotoUpload{Path: filepath.Join(t.TempDir(), "nope.jpg")}))
		assert.False(t, ok)
		assert.Error(t, err)
	})

	t.Run("wrong action", func(t *testing.T) {
		u := newMediaUploader(&MockPutter{}, "b", slog.Default())
		item := photoItem(t, PhotoUpload{Path: path})
		item.Action = "resize"
		ok, err := u.Handle(context.Background(), item)
		assert.False(t, ok)
		assert.Error(t, err)
	})

	t.Run("storage error", func(t *testing.T) {
		putter := &MockPutter{}
		putter.On("PutObject", mock.Anything, mock.Anything).Return(nil, errors.New("access denied"))
		u := newMediaUploader(putter, "b", slog.Default())

		ok, err := u.Handle(context.Background(), photoItem(t, PhotoUpload{Path: path, Key: "custom/key.png"}))
		assert.False(t, ok)
		assert.ErrorContains(t, err, "access denied")
	})
}

package gridfs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ageprobe/ageprobe/internal/config"
	"github.com/ageprobe/ageprobe/internal/domain"
	"github.com/ageprobe/ageprobe/internal/repository"
)

var _ repository.BlobStore = (*gridfsBlobStore)(nil)

const bucketName = "images"

type gridfsBlobStore struct {
	bucket *gridfs.Bucket
}

// Connect opens a MongoDB client and verifies it with a ping.
func Connect(ctx context.Context, cfg config.MongoConfig) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("gridfs: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("gridfs: ping: %w", err)
	}
	return client, nil
}

// NewGridFSBlobStore stores image bytes in the "images" GridFS bucket of db.
// Blob references are the hex form of the GridFS file ObjectID.
func NewGridFSBlobStore(db *mongo.Database) (repository.BlobStore, error) {
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(bucketName))
	if err != nil {
		return nil, fmt.Errorf("gridfs: open bucket: %w", err)
	}
	return &gridfsBlobStore{bucket: bucket}, nil
}

func (s *gridfsBlobStore) Put(ctx context.Context, filename string, data []byte) (domain.BlobRef, error) {
	stream, err := s.bucket.OpenUploadStream(filename)
	if err != nil {
		return "", storageErr("open upload stream", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := stream.SetWriteDeadline(deadline); err != nil {
			_ = stream.Abort()
			return "", storageErr("set write deadline", err)
		}
	}
	if _, err := stream.Write(data); err != nil {
		_ = stream.Abort()
		return "", storageErr("write blob", err)
	}
	if err := stream.Close(); err != nil {
		return "", storageErr("close upload stream", err)
	}

	id, ok := stream.FileID.(primitive.ObjectID)
	if !ok {
		return "", fmt.Errorf("gridfs: unexpected file id type %T", stream.FileID)
	}
	return domain.BlobRef(id.Hex()), nil
}

func (s *gridfsBlobStore) Get(ctx context.Context, ref domain.BlobRef) ([]byte, error) {
	id, err := parseRef(ref)
	if err != nil {
		return nil, err
	}

	stream, err := s.bucket.OpenDownloadStream(id)
	if err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, fmt.Errorf("gridfs: get %s: %w", ref, domain.ErrBlobNotFound)
		}
		return nil, storageErr("open download stream", err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := stream.SetReadDeadline(deadline); err != nil {
			return nil, storageErr("set read deadline", err)
		}
	}
	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, storageErr("read blob", err)
	}
	return data, nil
}

func (s *gridfsBlobStore) Delete(ctx context.Context, ref domain.BlobRef) error {
	id, err := parseRef(ref)
	if err != nil {
		return err
	}
	if err := s.bucket.DeleteContext(ctx, id); err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return fmt.Errorf("gridfs: delete %s: %w", ref, domain.ErrBlobNotFound)
		}
		return storageErr("delete blob", err)
	}
	return nil
}

// parseRef treats a malformed reference as a missing blob: nothing could
// ever have been stored under it.
func parseRef(ref domain.BlobRef) (primitive.ObjectID, error) {
	id, err := primitive.ObjectIDFromHex(string(ref))
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("gridfs: bad reference %q: %w", ref, domain.ErrBlobNotFound)
	}
	return id, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("gridfs: %s: %w: %w", op, domain.ErrStorage, err)
}

package cache

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"qjazz/internal/qgis"
)

// S3Handler resolves `s3://bucket/key` project URLs, using the object's
// LastModified as the storage timestamp.
type S3Handler struct {
	client *s3.Client
}

// NewS3Handler builds an S3Handler around an existing client.
func NewS3Handler(client *s3.Client) *S3Handler {
	return &S3Handler{client: client}
}

func (h *S3Handler) Scheme() string { return "s3" }

func (h *S3Handler) Metadata(rawURL string) (ProjectMetadata, error) {
	bucket, key, err := splitS3URL(rawURL)
	if err != nil {
		return ProjectMetadata{}, err
	}

	head, err := h.client.HeadObject(context.Background(), &s3.HeadObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		return ProjectMetadata{}, fmt.Errorf("cache: s3 head %s: %w", rawURL, err)
	}

	var lastModified int64
	if head.LastModified != nil {
		lastModified = head.LastModified.Unix()
	}

	return ProjectMetadata{
		URI:          rawURL,
		PublicName:   key,
		Scheme:       "s3",
		StorageTag:   "s3:" + bucket,
		LastModified: lastModified,
	}, nil
}

func (h *S3Handler) LoadProject(md ProjectMetadata) (qgis.Project, []LayerValidity, error) {
	bucket, key, err := splitS3URL(md.URI)
	if err != nil {
		return nil, nil, err
	}

	out, err := h.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("cache: s3 get %s: %w", md.URI, err)
	}
	defer out.Body.Close()

	return &qgis.FakeProject{}, []LayerValidity{{LayerID: "0", Name: key, IsValid: true}}, nil
}

func (h *S3Handler) Projects(rootURL string) ([]ProjectMetadata, error) {
	bucket, prefix, err := splitS3URL(rootURL)
	if err != nil {
		return nil, err
	}

	page, err := h.client.ListObjectsV2(context.Background(), &s3.ListObjectsV2Input{
		Bucket: &bucket,
		Prefix: &prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: s3 list %s: %w", rootURL, err)
	}

	out := make([]ProjectMetadata, 0, len(page.Contents))
	for _, obj := range page.Contents {
		var lastModified int64
		if obj.LastModified != nil {
			lastModified = obj.LastModified.Unix()
		}
		out = append(out, ProjectMetadata{
			URI:          fmt.Sprintf("s3://%s/%s", bucket, *obj.Key),
			PublicName:   *obj.Key,
			Scheme:       "s3",
			StorageTag:   "s3:" + bucket,
			LastModified: lastModified,
		})
	}
	return out, nil
}

func splitS3URL(rawURL string) (bucket, key string, err error) {
	rest := trimScheme(rawURL, "s3://")
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("cache: malformed s3 url %q", rawURL)
}

package desired

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"google.golang.org/api/option"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
)

// RemoteLocation is a parsed remote state URL
type RemoteLocation struct {
	Backend string
	Bucket  string // s3/gcs bucket, azure storage account
	Key     string // object key, azure blob name
	// Container is the azure blob container
	Container string
	Region    string
}

func (l RemoteLocation) String() string {
	switch l.Backend {
	case "s3":
		return fmt.Sprintf("s3://%s/%s", l.Bucket, l.Key)
	case "gcs":
		return fmt.Sprintf("gs://%s/%s", l.Bucket, l.Key)
	case "azurerm":
		return fmt.Sprintf("https://%s.blob.core.windows.net/%s/%s", l.Bucket, l.Container, l.Key)
	case "file":
		return l.Key
	}
	return l.Backend + "://" + l.Bucket + "/" + l.Key
}

// ParseRemoteStateURL parses s3://bucket/key?region=r, gcs://bucket/object,
// azurerm://account/container/blob and file:///path URLs
func ParseRemoteStateURL(stateURL string) (RemoteLocation, error) {
	u, err := url.Parse(stateURL)
	if err != nil {
		return RemoteLocation{}, fmt.Errorf("invalid URL: %w", err)
	}

	loc := RemoteLocation{Backend: u.Scheme}
	switch u.Scheme {
	case "s3":
		loc.Bucket = u.Host
		loc.Key = strings.TrimPrefix(u.Path, "/")
		loc.Region = u.Query().Get("region")
	case "gcs", "gs":
		loc.Backend = "gcs"
		loc.Bucket = u.Host
		loc.Key = strings.TrimPrefix(u.Path, "/")
	case "azurerm":
		loc.Bucket = u.Host
		parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
		loc.Container = parts[0]
		if len(parts) == 2 {
			loc.Key = parts[1]
		}
		if loc.Container == "" {
			return RemoteLocation{}, fmt.Errorf("azure container name is required")
		}
	case "file":
		loc.Key = u.Path
	default:
		return RemoteLocation{}, fmt.Errorf("unsupported scheme: %q", u.Scheme)
	}

	if loc.Backend != "file" && loc.Bucket == "" {
		return RemoteLocation{}, fmt.Errorf("%s state URL needs a bucket or account", loc.Backend)
	}
	if loc.Key == "" {
		return RemoteLocation{}, fmt.Errorf("%s state URL needs an object path", loc.Backend)
	}
	return loc, nil
}

// StateFetcher downloads a remote state document
type StateFetcher interface {
	Fetch(ctx context.Context, loc RemoteLocation) ([]byte, error)
}

// CloudFetcher fetches state from S3, GCS, Azure blob storage or a local
// file, using each cloud's default credential chain
type CloudFetcher struct{}

func (CloudFetcher) Fetch(ctx context.Context, loc RemoteLocation) ([]byte, error) {
	switch loc.Backend {
	case "s3":
		return fetchS3(ctx, loc)
	case "gcs":
		return fetchGCS(ctx, loc)
	case "azurerm":
		return fetchAzure(ctx, loc)
	case "file":
		return os.ReadFile(loc.Key)
	default:
		return nil, fmt.Errorf("unsupported remote backend: %s", loc.Backend)
	}
}

func fetchS3(ctx context.Context, loc RemoteLocation) ([]byte, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if loc.Region != "" {
		opts = append(opts, awsconfig.WithRegion(loc.Region))
	}
	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	result, err := s3.NewFromConfig(awsConfig).GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NoSuchBucket") {
			return nil, vahtierrors.NotFound("terraform state", loc.String()).WithCause(apiErr.ErrorMessage())
		}
		return nil, fmt.Errorf("failed to download state file from %s: %w", loc, err)
	}
	defer result.Body.Close()

	return io.ReadAll(result.Body)
}

func fetchGCS(ctx context.Context, loc RemoteLocation) ([]byte, error) {
	client, err := storage.NewClient(ctx, option.WithScopes(storage.ScopeReadOnly))
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	defer client.Close()

	reader, err := client.Bucket(loc.Bucket).Object(loc.Key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, vahtierrors.NotFound("terraform state", loc.String())
		}
		return nil, fmt.Errorf("failed to open %s: %w", loc, err)
	}
	defer reader.Close()

	return io.ReadAll(reader)
}

// fetchAzure uses the account key from AZURE_STORAGE_KEY when present and
// anonymous access (SAS in the URL or a public container) otherwise
func fetchAzure(ctx context.Context, loc RemoteLocation) ([]byte, error) {
	blobURLString := loc.String()
	if sas := os.Getenv("AZURE_STORAGE_SAS_TOKEN"); sas != "" {
		blobURLString += "?" + strings.TrimPrefix(sas, "?")
	}
	parsedURL, err := url.Parse(blobURLString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Azure blob URL: %w", err)
	}

	var credential azblob.Credential = azblob.NewAnonymousCredential()
	if key := os.Getenv("AZURE_STORAGE_KEY"); key != "" {
		shared, err := azblob.NewSharedKeyCredential(loc.Bucket, key)
		if err != nil {
			return nil, fmt.Errorf("invalid Azure storage key: %w", err)
		}
		credential = shared
	}

	blobURL := azblob.NewBlobURL(*parsedURL, azblob.NewPipeline(credential, azblob.PipelineOptions{}))
	response, err := blobURL.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		var storageErr azblob.StorageError
		if errors.As(err, &storageErr) && storageErr.ServiceCode() == azblob.ServiceCodeBlobNotFound {
			return nil, vahtierrors.NotFound("terraform state", loc.String())
		}
		return nil, fmt.Errorf("failed to download state file from %s: %w", loc, err)
	}

	body := response.Body(azblob.RetryReaderOptions{MaxRetryRequests: 3})
	defer body.Close()
	return io.ReadAll(body)
}

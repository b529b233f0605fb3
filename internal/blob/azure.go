package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

type AzureConfig struct {
	// AccountURL is https://<account>.blob.core.windows.net/
	AccountURL   string
	Container    string
	TenantID     string
	ClientID     string
	ClientSecret string
}

type Azure struct {
	client    *azblob.Client
	container string
}

func NewAzure(ctx context.Context, cfg AzureConfig) (*Azure, error) {
	if cfg.AccountURL == "" || cfg.Container == "" {
		return nil, errors.New("azure blob store: account url and container are required")
	}
	credential, err := azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
	if err != nil {
		return nil, fmt.Errorf("creating credential: %w", err)
	}
	client, err := azblob.NewClient(cfg.AccountURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("creating blob client: %w", err)
	}
	return &Azure{client: client, container: cfg.Container}, nil
}

func (a *Azure) Put(ctx context.Context, data []byte) (string, error) {
	hash := Hash(data)
	name, err := objectName(hash)
	if err != nil {
		return "", err
	}
	if _, err := a.client.UploadBuffer(ctx, a.container, name, data, nil); err != nil {
		return "", fmt.Errorf("uploading blob %s: %w", name, err)
	}
	return hash, nil
}

func (a *Azure) Get(ctx context.Context, hash string) ([]byte, error) {
	name, err := objectName(hash)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.DownloadStream(ctx, a.container, name, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("downloading blob %s: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", name, err)
	}
	return data, verify(hash, data)
}

func (a *Azure) Delete(ctx context.Context, hash string) error {
	name, err := objectName(hash)
	if err != nil {
		return err
	}
	_, err = a.client.DeleteBlob(ctx, a.container, name, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("deleting blob %s: %w", name, err)
	}
	return nil
}

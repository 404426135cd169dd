package metadata

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName = "/framesync.metadata.v1.MetadataService/"

	methodCreateFileRecord = serviceName + "CreateFileRecord"
	methodUpdateFileRecord = serviceName + "UpdateFileRecord"
	methodUpdateSubmission = serviceName + "UpdateSubmission"
)

const (
	FileStatusPending  = "pending"
	FileStatusUploaded = "uploaded"

	SubmissionStatusUploaded = "uploaded"
)

type client struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

func NewConnection(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	if addr == "" {
		return nil, fmt.Errorf("empty metadata service addr")
	}

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	return conn, nil
}

func NewClient(conn grpc.ClientConnInterface, timeout time.Duration) *client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &client{conn: conn, timeout: timeout}
}

func (c *client) CreateFileRecord(ctx context.Context, submissionID, storageKey, status string) (string, error) {
	resp, err := c.invoke(ctx, methodCreateFileRecord, map[string]any{
		"submission_id": submissionID,
		"storage_key":   storageKey,
		"status":        status,
	})
	if err != nil {
		return "", fmt.Errorf("create file record %s: %w", storageKey, err)
	}

	id := resp.GetFields()["id"].GetStringValue()
	if id == "" {
		return "", fmt.Errorf("create file record %s: empty id in response", storageKey)
	}
	return id, nil
}

func (c *client) UpdateFileRecord(ctx context.Context, recordID, status string) error {
	if _, err := c.invoke(ctx, methodUpdateFileRecord, map[string]any{
		"id":     recordID,
		"status": status,
	}); err != nil {
		return fmt.Errorf("update file record %s: %w", recordID, err)
	}
	return nil
}

func (c *client) UpdateSubmission(ctx context.Context, remoteID, status string) error {
	if _, err := c.invoke(ctx, methodUpdateSubmission, map[string]any{
		"id":     remoteID,
		"status": status,
	}); err != nil {
		return fmt.Errorf("update submission %s: %w", remoteID, err)
	}
	return nil
}

func (c *client) invoke(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// nopClient stands in when no metadata service is configured. Files upload
// without remote records.
type nopClient struct{}

func NewNopClient() nopClient { return nopClient{} }

func (nopClient) CreateFileRecord(context.Context, string, string, string) (string, error) {
	return "", nil
}

func (nopClient) UpdateFileRecord(context.Context, string, string) error { return nil }

func (nopClient) UpdateSubmission(context.Context, string, string) error { return nil }

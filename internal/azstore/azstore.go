// Package azstore builds Azure Storage clients with the retry policy shared by
// every table and queue consumer in eventcore.
package azstore

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

// Table entity property types.
const (
	EdmInt64   = "Edm.Int64"
	EdmBoolean = "Edm.Boolean"
)

var retryStatusCodes = []int{408, 429, 500, 502, 503, 504}

// Entity carries the table keys every stored entity needs.
type Entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

// Tables creates a table service client from a storage connection string.
func Tables(connStr string) (*aztables.ServiceClient, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   retryStatusCodes,
			},
		},
	}
	return aztables.NewServiceClientFromConnectionString(connStr, &opts)
}

// Queue creates a client for the named queue.
func Queue(connStr, name string) (*azqueue.QueueClient, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   retryStatusCodes,
			},
		},
	}
	return azqueue.NewQueueClientFromConnectionString(connStr, name, &opts)
}

// IsStatus reports whether err is an Azure response error with the given HTTP status.
func IsStatus(err error, status int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == status
}

// IsNotFound reports a 404 from the storage service.
func IsNotFound(err error) bool { return IsStatus(err, http.StatusNotFound) }

// IsConflict reports a 409, returned when an inserted entity already exists.
func IsConflict(err error) bool { return IsStatus(err, http.StatusConflict) }

// HasCode reports whether err carries the given storage error code.
func HasCode(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}

// Quote escapes a string literal for use in an OData filter.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

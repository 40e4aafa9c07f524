// Package minio provides snapshot storage on MinIO and other S3-compatible services.
package minio

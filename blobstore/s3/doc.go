// Package s3 provides Amazon S3 snapshot storage and a DynamoDB-backed pointer store.
//
// Large snapshots are uploaded through the S3 transfer manager in parallel parts.
//
// DDBPointerStore needs a table with partition key "base_uri" (S) and sort key
// "version" (N):
//
//	aws dynamodb create-table \
//	  --table-name openscience-commits \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
package s3

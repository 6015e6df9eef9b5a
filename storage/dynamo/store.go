// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

// Package dynamo implements the snapshot store on AWS DynamoDB.
//
// Two tables hold the snapshots: MC_VERSION keyed by (versionId,
// createdAt) and MC_DATA keyed by (versionId, dataId). Record payloads
// are bzip2-compressed JSON so even the largest template bundles stay
// inside the 400KB item limit. Writes go through BatchWriteItem and are
// throttled by BatchLimit/BatchWait to keep provisioned throughput in
// bounds. Deletion is lazy: rows get an expiresAt one hour out and the
// table's TTL reaps them; reads skip rows whose expiresAt has passed,
// so a half-deleted snapshot is never served.
package dynamo

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/monclone/monclone/pkg/release"
	"github.com/monclone/monclone/pkg/snapshot"
	"github.com/monclone/monclone/storage"
)

// Error is a dynamo store error.
var Error = errs.Class("dynamo store")

var mon = monkit.Package()

// batchMax is the BatchWriteItem hard limit.
const batchMax = 25

// deleteTTL is how long a deleted row stays readable-but-expired
// before the table's TTL reaps it. Deletion only writes expiresAt;
// DynamoDB does the actual removal.
const deleteTTL = time.Hour

const (
	attrVersionID   = "versionId"
	attrCreatedAt   = "createdAt"
	attrRelease     = "masterRelease"
	attrDescription = "description"
	attrDataID      = "dataId"
	attrKind        = "kind"
	attrName        = "name"
	attrPayload     = "payload"
	attrExpires     = "expiresAt"
)

func init() {
	storage.Register("dydb", func(ctx context.Context, log *zap.Logger, cfg storage.Config) (storage.Store, error) {
		return Open(ctx, cfg)
	})
}

// Store is a DynamoDB-backed snapshot store.
type Store struct {
	client     *dynamodb.Client
	batchLimit int
	batchWait  time.Duration
}

// Open connects to DynamoDB and verifies both tables are active.
//
// cfg.Endpoint names the AWS region, or a full URL for a
// DynamoDB-compatible local endpoint. cfg.Access/cfg.Credential select
// static credentials; left empty, the default chain (environment,
// shared config, instance role) applies.
func Open(ctx context.Context, cfg storage.Config) (_ *Store, err error) {
	defer mon.Task()(&ctx)(&err)

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Access != "" && cfg.Credential != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.Access, cfg.Credential, "")))
	}

	endpointURL := strings.Contains(cfg.Endpoint, "://")
	switch {
	case endpointURL:
		opts = append(opts, awsconfig.WithRegion("us-east-1"))
	case cfg.Endpoint != "":
		opts = append(opts, awsconfig.WithRegion(cfg.Endpoint))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpointURL {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	for _, table := range []string{storage.VersionTable, storage.DataTable} {
		out, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(table),
		})
		if err != nil {
			return nil, Error.New("table %s: %w", table, err)
		}
		if out.Table.TableStatus != types.TableStatusActive {
			return nil, Error.New("table %s not active: %s", table, out.Table.TableStatus)
		}
	}

	batchLimit := cfg.BatchLimit
	if batchLimit <= 0 {
		batchLimit = 10
	}
	batchWait := cfg.BatchWait
	if batchWait <= 0 {
		batchWait = 2 * time.Second
	}

	return &Store{client: client, batchLimit: batchLimit, batchWait: batchWait}, nil
}

// Versions lists the stored versions, newest first.
func (store *Store) Versions(ctx context.Context) (_ []snapshot.Version, err error) {
	defer mon.Task()(&ctx)(&err)

	items, err := store.scanAll(ctx, storage.VersionTable, "")
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var versions []snapshot.Version
	for _, item := range items {
		if expired(item, now) {
			continue
		}
		version, err := versionFromItem(item)
		if err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}
	snapshot.SortVersions(versions)
	return versions, nil
}

// PutVersion publishes version metadata.
func (store *Store) PutVersion(ctx context.Context, version snapshot.Version) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = store.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(storage.VersionTable),
		Item:      versionItem(version),
	})
	return Error.Wrap(err)
}

// Records returns every record of the given version.
func (store *Store) Records(ctx context.Context, versionID string) (_ []snapshot.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	items, err := store.queryData(ctx, versionID, "")
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var records []snapshot.Record
	for _, item := range items {
		if expired(item, now) {
			continue
		}
		record, err := recordFromItem(item)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if len(records) == 0 {
		return nil, storage.ErrVersionNotFound.New("%s", versionID)
	}
	return records, nil
}

// PutRecords stores the record set of a version, throttled.
func (store *Store) PutRecords(ctx context.Context, versionID string, records []snapshot.Record) (err error) {
	defer mon.Task()(&ctx)(&err)

	requests := make([]types.WriteRequest, 0, len(records))
	for _, record := range records {
		item, err := recordItem(versionID, record)
		if err != nil {
			return err
		}
		requests = append(requests, types.WriteRequest{
			PutRequest: &types.PutRequest{Item: item},
		})
	}
	return store.writeBatch(ctx, storage.DataTable, requests, store.batchLimit)
}

// DeleteVersion expires a version row and all of its records. Rows
// get a one-hour expiresAt; reads stop serving them immediately and
// the table's TTL removes them.
func (store *Store) DeleteVersion(ctx context.Context, versionID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	versions, err := store.Versions(ctx)
	if err != nil {
		return err
	}
	var found *snapshot.Version
	for i, version := range versions {
		if version.ID == versionID {
			found = &versions[i]
			break
		}
	}
	if found == nil {
		return storage.ErrVersionNotFound.New("%s", versionID)
	}

	if err := store.deleteData(ctx, versionID); err != nil {
		return err
	}

	return store.expire(ctx, storage.VersionTable, map[string]types.AttributeValue{
		attrVersionID: &types.AttributeValueMemberS{Value: found.ID},
		attrCreatedAt: &types.AttributeValueMemberN{Value: strconv.FormatInt(found.CreatedAt, 10)},
	})
}

// DeleteRecord expires a single record of a version.
func (store *Store) DeleteRecord(ctx context.Context, versionID, dataID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return store.expire(ctx, storage.DataTable, map[string]types.AttributeValue{
		attrVersionID: &types.AttributeValueMemberS{Value: versionID},
		attrDataID:    &types.AttributeValueMemberS{Value: dataID},
	})
}

// expire stamps one row with the deletion expiresAt.
func (store *Store) expire(ctx context.Context, table string, key map[string]types.AttributeValue) error {
	_, err := store.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(table),
		Key:              key,
		UpdateExpression: aws.String("SET " + attrExpires + " = :e"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":e": expiresValue(time.Now()),
		},
	})
	return Error.Wrap(err)
}

// expiresValue is the expiresAt a deletion at now writes.
func expiresValue(now time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{
		Value: strconv.FormatInt(now.Add(deleteTTL).Unix(), 10),
	}
}

// Clear removes every row the scope covers. Deletes run in throttled
// batches like writes do, just with a looser limit.
func (store *Store) Clear(ctx context.Context, scope storage.Scope) (err error) {
	defer mon.Task()(&ctx)(&err)

	tables := map[storage.Scope][]string{
		storage.ScopeAll:      {storage.VersionTable, storage.DataTable},
		storage.ScopeVersions: {storage.VersionTable},
		storage.ScopeData:     {storage.DataTable},
	}[scope]
	if tables == nil {
		return storage.Error.New("unknown scope %q", scope)
	}

	for _, table := range tables {
		sortKey := attrCreatedAt
		if table == storage.DataTable {
			sortKey = attrDataID
		}
		items, err := store.scanAll(ctx, table, attrVersionID+","+sortKey)
		if err != nil {
			return err
		}
		requests := make([]types.WriteRequest, 0, len(items))
		for _, item := range items {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: map[string]types.AttributeValue{
					attrVersionID: item[attrVersionID],
					sortKey:       item[sortKey],
				}},
			})
		}
		if err := store.writeBatch(ctx, table, requests, store.batchLimit*10); err != nil {
			return err
		}
	}
	return nil
}

// Close releases nothing; the SDK client is stateless.
func (store *Store) Close() error { return nil }

// deleteData expires all DATA rows of a version. BatchWriteItem has
// no update form, so each row is re-put whole with expiresAt added;
// the throttling matches the write path.
func (store *Store) deleteData(ctx context.Context, versionID string) error {
	items, err := store.queryData(ctx, versionID, "")
	if err != nil {
		return err
	}
	expires := expiresValue(time.Now())
	requests := make([]types.WriteRequest, 0, len(items))
	for _, item := range items {
		item[attrExpires] = expires
		requests = append(requests, types.WriteRequest{
			PutRequest: &types.PutRequest{Item: item},
		})
	}
	return store.writeBatch(ctx, storage.DataTable, requests, store.batchLimit*10)
}

// scanAll scans a whole table, following LastEvaluatedKey.
func (store *Store) scanAll(ctx context.Context, table, projection string) ([]map[string]types.AttributeValue, error) {
	input := &dynamodb.ScanInput{TableName: aws.String(table)}
	if projection != "" {
		input.ProjectionExpression = aws.String(projection)
	}

	var items []map[string]types.AttributeValue
	for {
		out, err := store.client.Scan(ctx, input)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// queryData queries all DATA rows of a version, following LastEvaluatedKey.
func (store *Store) queryData(ctx context.Context, versionID, projection string) ([]map[string]types.AttributeValue, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(storage.DataTable),
		KeyConditionExpression: aws.String(attrVersionID + " = :v"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberS{Value: versionID},
		},
	}
	if projection != "" {
		input.ProjectionExpression = aws.String(projection)
	}

	var items []map[string]types.AttributeValue
	for {
		out, err := store.client.Query(ctx, input)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// writeBatch sends write requests in chunks of at most 25, retrying
// unprocessed items and pausing batchWait after every limit items.
func (store *Store) writeBatch(ctx context.Context, table string, requests []types.WriteRequest, limit int) error {
	count := 0
	for len(requests) > 0 {
		n := len(requests)
		if n > batchMax {
			n = batchMax
		}
		if n > limit {
			n = limit
		}
		chunk := requests[:n]
		requests = requests[n:]

		for len(chunk) > 0 {
			out, err := store.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{table: chunk},
			})
			if err != nil {
				return Error.Wrap(err)
			}
			chunk = out.UnprocessedItems[table]
			if len(chunk) > 0 {
				if err := store.pause(ctx); err != nil {
					return err
				}
			}
		}

		count += n
		if count >= limit && len(requests) > 0 {
			count = 0
			if err := store.pause(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (store *Store) pause(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return Error.Wrap(ctx.Err())
	case <-time.After(store.batchWait):
		return nil
	}
}

func versionItem(version snapshot.Version) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrVersionID:   &types.AttributeValueMemberS{Value: version.ID},
		attrCreatedAt:   &types.AttributeValueMemberN{Value: strconv.FormatInt(version.CreatedAt, 10)},
		attrRelease:     &types.AttributeValueMemberS{Value: version.MasterRelease.String()},
		attrDescription: &types.AttributeValueMemberS{Value: version.Description},
	}
}

func versionFromItem(item map[string]types.AttributeValue) (snapshot.Version, error) {
	rel, err := release.Parse(stringAttr(item, attrRelease))
	if err != nil {
		return snapshot.Version{}, Error.Wrap(err)
	}
	return snapshot.Version{
		ID:            stringAttr(item, attrVersionID),
		CreatedAt:     intAttr(item, attrCreatedAt),
		MasterRelease: rel,
		Description:   stringAttr(item, attrDescription),
	}, nil
}

func recordItem(versionID string, record snapshot.Record) (map[string]types.AttributeValue, error) {
	payload, err := snapshot.Encode(snapshot.Record{
		Kind: record.Kind,
		Name: record.Name,
		Data: record.Data,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return map[string]types.AttributeValue{
		attrVersionID: &types.AttributeValueMemberS{Value: versionID},
		attrDataID:    &types.AttributeValueMemberS{Value: record.DataID},
		attrKind:      &types.AttributeValueMemberS{Value: record.Kind},
		attrName:      &types.AttributeValueMemberS{Value: record.Name},
		attrPayload:   &types.AttributeValueMemberB{Value: payload},
	}, nil
}

func recordFromItem(item map[string]types.AttributeValue) (snapshot.Record, error) {
	var record snapshot.Record
	if err := snapshot.Decode(bytesAttr(item, attrPayload), &record); err != nil {
		return snapshot.Record{}, Error.Wrap(err)
	}
	record.DataID = stringAttr(item, attrDataID)
	if record.Kind == "" {
		record.Kind = stringAttr(item, attrKind)
	}
	if record.Name == "" {
		record.Name = stringAttr(item, attrName)
	}
	return record, nil
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func intAttr(item map[string]types.AttributeValue, name string) int64 {
	if v, ok := item[name].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

func bytesAttr(item map[string]types.AttributeValue, name string) []byte {
	if v, ok := item[name].(*types.AttributeValueMemberB); ok {
		return v.Value
	}
	return nil
}

func expired(item map[string]types.AttributeValue, now time.Time) bool {
	if v, ok := item[attrExpires].(*types.AttributeValueMemberN); ok {
		n, err := strconv.ParseInt(v.Value, 10, 64)
		return err == nil && n <= now.Unix()
	}
	return false
}

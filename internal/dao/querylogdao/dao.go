package querylogdao

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/savaki/ddb/v2"
	"github.com/segmentio/ksuid"
)

// ID is a KSUID; it sorts by creation time
type ID string

// String returns the string representation
func (id ID) String() string {
	return string(id)
}

// Record is one chatbot interaction
type Record struct {
	ID        ID     `ddb:"hash" dynamodbav:"ID"`
	Timestamp string `dynamodbav:"Timestamp"` // RFC3339 UTC
	Query     string `dynamodbav:"Query"`
	Response  string `dynamodbav:"Response"` // JSON encoded reply
}

// DAO provides data access operations for query logs
type DAO struct {
	db    *ddb.DDB
	table *ddb.Table
	now   func() time.Time
}

// New creates a new DAO instance
func New(client *dynamodb.Client, tableName string) *DAO {
	db := ddb.New(client)
	table := db.MustTable(tableName, &Record{})
	return &DAO{
		db:    db,
		table: table,
		now:   time.Now,
	}
}

// Log records a query and the JSON encoding of its response
func (d *DAO) Log(ctx context.Context, query string, response any) (*Record, error) {
	body, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}

	now := d.now().UTC()
	id, err := ksuid.NewRandomWithTime(now)
	if err != nil {
		return nil, fmt.Errorf("failed to generate id: %w", err)
	}

	record := &Record{
		ID:        ID(id.String()),
		Timestamp: now.Format(time.RFC3339Nano),
		Query:     query,
		Response:  string(body),
	}

	if err := d.table.Put(record).RunWithContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to put query log: %w", err)
	}

	return record, nil
}

// Find retrieves a record by ID
// Returns nil if not found
func (d *DAO) Find(ctx context.Context, id ID) (*Record, error) {
	var record Record

	err := d.table.Get(id.String()).
		ConsistentRead(true).
		ScanWithContext(ctx, &record)
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "item not found") || strings.Contains(errStr, "ItemNotFound") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get query log: %w", err)
	}

	if record.ID == "" {
		return nil, nil
	}

	return &record, nil
}

// FindAll scans the table and returns records oldest first
func (d *DAO) FindAll(ctx context.Context) ([]*Record, error) {
	var records []*Record
	err := d.table.Scan().ConsistentRead(true).EachWithContext(ctx, func(item ddb.Item) (bool, error) {
		var record Record
		if err := item.Unmarshal(&record); err != nil {
			return false, err
		}
		records = append(records, &record)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan query logs: %w", err)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].ID < records[j].ID
	})
	return records, nil
}

// Delete removes a record
func (d *DAO) Delete(ctx context.Context, id ID) error {
	if err := d.table.Delete(id.String()).RunWithContext(ctx); err != nil {
		return fmt.Errorf("failed to delete query log: %w", err)
	}
	return nil
}

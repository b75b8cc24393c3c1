package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	transferPrefix   = "transfer:"
	credentialPrefix = "credential:"
)

// ErrNotFound is returned when no record exists under the requested key.
var ErrNotFound = errors.New("record not found")

// TransferRecord is the persisted checkpoint of one transfer. It is rewritten
// after every confirmed chunk so an interrupted transfer can be resumed
// against the same destination session.
type TransferRecord struct {
	ID            string    `json:"id"`
	SourceLocator string    `json:"source_locator"`
	TotalSize     int64     `json:"total_size"`
	MimeType      string    `json:"mime_type"`
	SessionHandle string    `json:"session_handle"`
	Cursor        int64     `json:"cursor"`
	ChunksAcked   int       `json:"chunks_acked,omitempty"`
	Status        string    `json:"status"`
	AssetID       string    `json:"asset_id,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// MetadataStore wraps BadgerDB for metadata operations.
type MetadataStore struct {
	db *badger.DB
}

// OpenMetadataStore opens (or creates) a BadgerDB at the given path.
func OpenMetadataStore(dbPath string) (*MetadataStore, error) {
	return open(badger.DefaultOptions(dbPath).WithLogger(nil))
}

// OpenInMemory opens a store that lives only as long as the process.
func OpenInMemory() (*MetadataStore, error) {
	return open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
}

func open(opts badger.Options) (*MetadataStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &MetadataStore{db: db}, nil
}

// Close closes the BadgerDB.
func (ms *MetadataStore) Close() error {
	return ms.db.Close()
}

// PutTransferRecord stores a transfer checkpoint, stamping UpdatedAt.
func (ms *MetadataStore) PutTransferRecord(rec TransferRecord) error {
	if rec.ID == "" {
		return errors.New("transfer record has no id")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	return ms.putJSON(transferPrefix+rec.ID, rec)
}

// GetTransferRecord retrieves a transfer checkpoint by id.
func (ms *MetadataStore) GetTransferRecord(id string) (TransferRecord, error) {
	var rec TransferRecord
	err := ms.getJSON(transferPrefix+id, &rec)
	return rec, err
}

// ListTransferRecords returns every stored transfer, newest first.
func (ms *MetadataStore) ListTransferRecords() ([]TransferRecord, error) {
	var records []TransferRecord
	err := ms.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(transferPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec TransferRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// PutCredential stores an opaque credential blob for an account. Callers are
// responsible for sealing the blob.
func (ms *MetadataStore) PutCredential(account string, blob []byte) error {
	return ms.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(credentialPrefix+account), blob)
	})
}

// GetCredential retrieves the credential blob stored for an account.
func (ms *MetadataStore) GetCredential(account string) ([]byte, error) {
	var blob []byte
	err := ms.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(credentialPrefix + account))
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return blob, err
}

func (ms *MetadataStore) putJSON(key string, v any) error {
	val, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ms.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
}

func (ms *MetadataStore) getJSON(key string, v any) error {
	err := ms.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

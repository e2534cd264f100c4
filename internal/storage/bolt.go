package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"healthmon/internal/model"
)

var servicesBucket = []byte("services")

type boltRecord struct {
	model.RegisteredService
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type boltStore struct {
	db *bolt.DB
}

func NewBolt(path string) (Registry, error) {
	if strings.TrimSpace(path) == "" {
		path = "healthmon.db"
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Init(ctx context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(servicesBucket)
		return err
	})
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

func (s *boltStore) List(ctx context.Context) ([]model.RegisteredService, error) {
	var records []boltRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(servicesBucket)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode service %s: %w", k, err)
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	out := make([]model.RegisteredService, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.RegisteredService)
	}
	return out, nil
}

func (s *boltStore) Get(ctx context.Context, id string) (model.RegisteredService, error) {
	var rec boltRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecord(tx, id)
		return err
	})
	return rec.RegisteredService, err
}

func (s *boltStore) Create(ctx context.Context, svc model.RegisteredService) (model.RegisteredService, error) {
	if err := Validate(&svc); err != nil {
		return model.RegisteredService{}, err
	}
	if svc.ID == "" {
		svc.ID = newID()
	}
	now := nowUTC()
	rec := boltRecord{RegisteredService: svc, CreatedAt: now, UpdatedAt: now}
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(servicesBucket)
		if err != nil {
			return err
		}
		if bucket.Get([]byte(svc.ID)) != nil {
			return fmt.Errorf("%w: id %s already exists", ErrInvalid, svc.ID)
		}
		return putRecord(bucket, rec)
	})
	if err != nil {
		return model.RegisteredService{}, err
	}
	return svc, nil
}

func (s *boltStore) Update(ctx context.Context, id string, patch ServicePatch) (model.RegisteredService, error) {
	var out model.RegisteredService
	err := s.db.Update(func(tx *bolt.Tx) error {
		rec, err := getRecord(tx, id)
		if err != nil {
			return err
		}
		svc := patch.Apply(rec.RegisteredService)
		if err := Validate(&svc); err != nil {
			return err
		}
		rec.RegisteredService = svc
		rec.UpdatedAt = nowUTC()
		out = svc
		return putRecord(tx.Bucket(servicesBucket), rec)
	})
	if err != nil {
		return model.RegisteredService{}, err
	}
	return out, nil
}

func (s *boltStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(servicesBucket)
		if bucket == nil || bucket.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return bucket.Delete([]byte(id))
	})
}

func getRecord(tx *bolt.Tx, id string) (boltRecord, error) {
	var rec boltRecord
	bucket := tx.Bucket(servicesBucket)
	if bucket == nil {
		return rec, ErrNotFound
	}
	data := bucket.Get([]byte(id))
	if data == nil {
		return rec, ErrNotFound
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode service %s: %w", id, err)
	}
	return rec, nil
}

func putRecord(bucket *bolt.Bucket, rec boltRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(rec.ID), data)
}

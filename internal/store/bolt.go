package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketLights     = []byte("lights")
	bucketController = []byte("controller")
	keyState         = []byte("state")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketLights, bucketController} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveLight(light *Light) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLights)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketLights)
		}
		data, err := json.Marshal(light)
		if err != nil {
			return err
		}
		return b.Put([]byte(light.Address), data)
	})
}

func (s *BoltStore) GetLight(address string) (*Light, error) {
	var light Light
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLights)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketLights)
		}
		data := b.Get([]byte(address))
		if data == nil {
			return fmt.Errorf("light %s: %w", address, ErrNotFound)
		}
		return json.Unmarshal(data, &light)
	})
	if err != nil {
		return nil, err
	}
	return &light, nil
}

func (s *BoltStore) DeleteLight(address string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLights)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketLights)
		}
		return b.Delete([]byte(address))
	})
}

func (s *BoltStore) ListLights() ([]*Light, error) {
	var lights []*Light
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLights)
		if b == nil {
			return nil // no bucket = no lights
		}
		lights = make([]*Light, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var light Light
			if err := json.Unmarshal(v, &light); err != nil {
				return err
			}
			lights = append(lights, &light)
			return nil
		})
	})
	sort.SliceStable(lights, func(i, j int) bool { return lights[i].Order < lights[j].Order })
	return lights, err
}

func (s *BoltStore) UpdateLight(address string, fn func(light *Light) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLights)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketLights)
		}
		data := b.Get([]byte(address))
		if data == nil {
			return fmt.Errorf("light %s: %w", address, ErrNotFound)
		}
		var light Light
		if err := json.Unmarshal(data, &light); err != nil {
			return err
		}
		if err := fn(&light); err != nil {
			return err
		}
		out, err := json.Marshal(&light)
		if err != nil {
			return err
		}
		return b.Put([]byte(address), out)
	})
}

func (s *BoltStore) ResetLights() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketLights) != nil {
			if err := tx.DeleteBucket(bucketLights); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucket(bucketLights)
		return err
	})
}

func (s *BoltStore) SaveControllerState(state *ControllerState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketController)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketController)
		}
		// Use internal storage struct to persist the mesh key.
		st := controllerStateStorage{
			InstallID:     state.InstallID,
			DeviceAddress: state.DeviceAddress,
			Key:           state.Key,
			CreatedAt:     state.CreatedAt,
		}
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put(keyState, data)
	})
}

func (s *BoltStore) GetControllerState() (*ControllerState, error) {
	var state ControllerState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketController)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketController)
		}
		data := b.Get(keyState)
		if data == nil {
			return fmt.Errorf("controller state: %w", ErrNotFound)
		}
		var st controllerStateStorage
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		state = ControllerState{
			InstallID:     st.InstallID,
			DeviceAddress: st.DeviceAddress,
			Key:           st.Key,
			CreatedAt:     st.CreatedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

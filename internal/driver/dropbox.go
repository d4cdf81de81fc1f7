package driver

import (
	"sync"

	"github.com/google/uuid"
)

// Dropbox holds objects clients hand to the driver between tasks.
type Dropbox struct {
	mu      sync.Mutex
	objects map[string]any
}

func NewDropbox() *Dropbox {
	return &Dropbox{objects: map[string]any{}}
}

// Deposit stores obj under uid, generating a DB- prefixed id when uid is empty.
func (d *Dropbox) Deposit(obj any, uid string) string {
	if uid == "" {
		uid = "DB-" + uuid.NewString()
	}
	d.mu.Lock()
	d.objects[uid] = obj
	d.mu.Unlock()
	return uid
}

// Retrieve returns the object under uid, removing it when remove is set.
func (d *Dropbox) Retrieve(uid string, remove bool) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	obj, ok := d.objects[uid]
	if ok && remove {
		delete(d.objects, uid)
	}
	return obj, ok
}

func (d *Dropbox) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.objects)
}

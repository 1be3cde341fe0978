package render

import (
	"sort"
	"sync"

	"github.com/stackfall/stackfall/internal/game"
)

// ObjectKind classifies scene objects for renderers that draw them
// differently.
type ObjectKind string

const (
	KindAvatar ObjectKind = "avatar"
	KindPiece  ObjectKind = "piece"
	KindBullet ObjectKind = "bullet"
)

// Renderer is the presentation surface the sync layer drives. Scene
// lifecycle is explicit: resources are disposed before the object leaves
// the scene so a slow frontend never leaks meshes.
type Renderer interface {
	AddObject(id string, kind ObjectKind)
	UpdateTransform(id string, position, rotation game.Vec3)
	RemoveObject(id string)
	Dispose(id string)
	CameraPosition() game.Vec3
}

// Nop discards every call. Headless clients run with it.
type Nop struct{}

func (Nop) AddObject(string, ObjectKind)                 {}
func (Nop) UpdateTransform(string, game.Vec3, game.Vec3) {}
func (Nop) RemoveObject(string)                          {}
func (Nop) Dispose(string)                               {}
func (Nop) CameraPosition() game.Vec3                    { return game.Vec3{Y: 5, Z: 12} }

// Recorder captures renderer calls for tests.
type Recorder struct {
	mu       sync.Mutex
	objects  map[string]ObjectKind
	disposed map[string]bool
	Camera   game.Vec3
}

// NewRecorder builds an empty call recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		objects:  make(map[string]ObjectKind),
		disposed: make(map[string]bool),
		Camera:   game.Vec3{Y: 5, Z: 12},
	}
}

func (r *Recorder) AddObject(id string, kind ObjectKind) {
	r.mu.Lock()
	r.objects[id] = kind
	delete(r.disposed, id)
	r.mu.Unlock()
}

func (r *Recorder) UpdateTransform(id string, position, rotation game.Vec3) {}

func (r *Recorder) RemoveObject(id string) {
	r.mu.Lock()
	delete(r.objects, id)
	r.mu.Unlock()
}

func (r *Recorder) Dispose(id string) {
	r.mu.Lock()
	r.disposed[id] = true
	r.mu.Unlock()
}

func (r *Recorder) CameraPosition() game.Vec3 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Camera
}

// ObjectIDs lists the ids currently in the scene, sorted.
func (r *Recorder) ObjectIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.objects))
	for id := range r.objects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Has reports whether an object is in the scene.
func (r *Recorder) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.objects[id]
	return ok
}

// Disposed reports whether an object's resources were released.
func (r *Recorder) Disposed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disposed[id]
}

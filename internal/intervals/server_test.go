package intervals

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource counts Stat and Load calls so reload behavior is observable.
type fakeSource struct {
	mu       sync.Mutex
	artifact *Artifact
	mtime    time.Time
	statErr  error
	loadErr  error
	statN    int
	loadN    int
}

func (f *fakeSource) Stat() (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statN++
	return f.mtime, f.statErr
}

func (f *fakeSource) Load() (*Artifact, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadN++
	if f.loadErr != nil {
		return nil, time.Time{}, f.loadErr
	}
	return f.artifact, f.mtime, nil
}

func (f *fakeSource) loads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadN
}

func (f *fakeSource) set(a *Artifact, mtime time.Time, loadErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifact = a
	f.mtime = mtime
	f.loadErr = loadErr
}

func TestServerReloadsOnlyOnMtimeChange(t *testing.T) {
	t0 := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	src := &fakeSource{
		artifact: &Artifact{Global: &Interval{N: 10, QLow: -60, QHigh: 90}},
		mtime:    t0,
	}
	s := NewServer(src, nil, nil)

	iv := s.Lookup("RT-1", DaytypeWeekday, HorizonShort)
	assert.Equal(t, Interval{10, -60, 90}, iv)
	assert.Equal(t, 1, src.loads())

	// Unchanged mtime: served from the cached snapshot, no re-parse.
	for i := 0; i < 5; i++ {
		s.Lookup("RT-1", DaytypeWeekday, HorizonShort)
	}
	assert.Equal(t, 1, src.loads())

	// Touch the artifact: next lookup reloads once.
	src.set(&Artifact{Global: &Interval{N: 99, QLow: -10, QHigh: 10}}, t0.Add(time.Hour), nil)
	iv = s.Lookup("RT-1", DaytypeWeekday, HorizonShort)
	assert.Equal(t, Interval{99, -10, 10}, iv)
	assert.Equal(t, 2, src.loads())
}

func TestServerFailedReloadKeepsPreviousArtifact(t *testing.T) {
	t0 := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	src := &fakeSource{
		artifact: &Artifact{Global: &Interval{N: 10, QLow: -60, QHigh: 90}},
		mtime:    t0,
	}
	s := NewServer(src, nil, nil)
	require.Equal(t, Interval{10, -60, 90}, s.Lookup("RT-1", DaytypeWeekday, HorizonShort))

	src.set(nil, t0.Add(time.Hour), errors.New("corrupt artifact"))
	iv := s.Lookup("RT-1", DaytypeWeekday, HorizonShort)
	assert.Equal(t, Interval{10, -60, 90}, iv, "previous snapshot survives a failed reload")
}

func TestServerNoArtifactServesDefault(t *testing.T) {
	src := &fakeSource{statErr: errors.New("missing file")}
	s := NewServer(src, nil, nil)
	assert.Equal(t, GlobalDefault, s.Lookup("RT-1", DaytypeWeekday, HorizonShort))
}

func TestServerLookupForETA(t *testing.T) {
	src := &fakeSource{
		artifact: &Artifact{
			ByDaytypeHorizon: map[string]Interval{
				"weekday|medium": {N: 33, QLow: -20, QHigh: 40},
			},
		},
		mtime: time.Now(),
	}
	s := NewServer(src, nil, nil)

	monday := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	iv := s.LookupForETA("RT-5", monday, 10)
	assert.Equal(t, Interval{33, -20, 40}, iv)
}

func TestServerConcurrentLookups(t *testing.T) {
	t0 := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	src := &fakeSource{
		artifact: &Artifact{Global: &Interval{N: 10, QLow: -60, QHigh: 90}},
		mtime:    t0,
	}
	s := NewServer(src, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if i == 0 && j == 50 {
					src.set(&Artifact{Global: &Interval{N: 20, QLow: -30, QHigh: 30}}, t0.Add(time.Hour), nil)
				}
				iv := s.Lookup("RT-1", DaytypeWeekday, HorizonShort)
				// Either snapshot is fine; a torn one is not.
				assert.Contains(t, []int{10, 20}, iv.N)
			}
		}(i)
	}
	wg.Wait()
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "calibration.json")

	artifact := Artifact{
		ByRoute: map[string]Interval{"RT-1": {N: 12, QLow: -40, QHigh: 75}},
		Global:  &Interval{N: 100, QLow: -120, QHigh: 200},
	}
	b, err := json.Marshal(artifact)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o644))

	src := FileSource{Path: path}
	a, mtime, err := src.Load()
	require.NoError(t, err)
	assert.False(t, mtime.IsZero())
	iv, stratum := a.Resolve("RT-1", DaytypeWeekday, HorizonShort)
	assert.Equal(t, Interval{12, -40, 75}, iv)
	assert.Equal(t, "route", stratum)

	statMtime, err := src.Stat()
	require.NoError(t, err)
	assert.Equal(t, mtime, statMtime)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, _, err = src.Load()
	assert.Error(t, err)

	_, err = FileSource{Path: filepath.Join(dir, "absent.json")}.Stat()
	assert.Error(t, err)
}

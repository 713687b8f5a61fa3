package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leadsignal/harvester/internal/harvest"
	queuemem "github.com/leadsignal/harvester/internal/queue/memory"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadCSV(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "targets.csv",
		"first_name,last_name,company_name,profile_url\n"+
			"Jane,Doe,Initech,https://www.example.com/in/jane-doe/?trk=share\n"+
			"John,Smith,Acme,https://www.example.com/in/john-smith\n"+
			",,,\n")

	targets, err := Load(path)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	require.Equal(t, "https://www.example.com/in/jane-doe", targets[0].TargetID)
	require.Equal(t, "Jane", targets[0].FirstName)
	require.Equal(t, "Doe", targets[0].LastName)
	require.Equal(t, "Initech", targets[0].Company)
	require.Equal(t, "https://www.example.com/in/john-smith", targets[1].TargetID)
}

func TestLoadCSVColumnOrderIsFree(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "targets.csv",
		"profile_url,company_name,last_name,first_name\n"+
			"https://www.example.com/in/jane-doe,Initech,Doe,Jane\n")

	targets, err := Load(path)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	require.Equal(t, "Jane", targets[0].FirstName)
}

func TestLoadCSVMissingColumn(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "targets.csv",
		"first_name,last_name,profile_url\nJane,Doe,https://www.example.com/in/jane\n")

	_, err := Load(path)
	require.ErrorContains(t, err, "company_name")
}

func TestLoadPlainList(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "targets.txt",
		"# seed list\n"+
			"https://www.example.com/in/jane-doe/\n"+
			"\n"+
			"https://www.example.com/in/john-smith?utm_source=mail\n")

	targets, err := Load(path)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	require.Equal(t, "https://www.example.com/in/jane-doe", targets[0].TargetID)
	require.Equal(t, "https://www.example.com/in/john-smith", targets[1].TargetID)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.csv"))
	require.Error(t, err)
}

func TestWatcherLoadsInitialFileAndPicksUpAppends(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "targets.txt", "https://www.example.com/in/jane-doe\n")

	queue := queuemem.NewQueue(16, nil)
	defer queue.Close()
	w := NewWatcher(path, queue, nil)
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return queue.Size() == 1 }, 2*time.Second, 10*time.Millisecond)

	writeFile(t, dir, "targets.txt",
		"https://www.example.com/in/jane-doe\nhttps://www.example.com/in/john-smith\n")

	require.Eventually(t, func() bool { return queue.Size() == 2 }, 2*time.Second, 10*time.Millisecond)

	first, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "https://www.example.com/in/jane-doe", first.TargetID)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherSkipsAlreadyProcessedTargets(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "targets.txt",
		"https://www.example.com/in/jane-doe\nhttps://www.example.com/in/john-smith\n")

	processed := func(ctx context.Context, id string) (bool, error) {
		return id == "https://www.example.com/in/jane-doe", nil
	}
	queue := queuemem.NewQueue(16, processed)
	defer queue.Close()

	w := NewWatcher(path, queue, nil)
	require.NoError(t, w.load(context.Background()))
	require.Equal(t, 1, queue.Size())

	target, err := queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, harvest.Target{TargetID: "https://www.example.com/in/john-smith", EnqueuedAt: target.EnqueuedAt}, target)
}

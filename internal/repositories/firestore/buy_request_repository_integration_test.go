//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/agri-market/api/internal/domain"
	pconfig "github.com/agri-market/api/internal/platform/config"
	pfirestore "github.com/agri-market/api/internal/platform/firestore"
	"github.com/agri-market/api/internal/repositories"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

func TestBuyRequestRepositoryIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })

	waitForEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    "buy-request-test",
		EmulatorHost: endpoint,
	})
	registry, err := NewRegistry(provider)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(func() {
		_ = registry.Close(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := provider.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	repo := registry.BuyRequests()
	base := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		request := domain.BuyRequest{
			ID:            fmt.Sprintf("br_%02d", i),
			RequestNumber: int64(i + 1),
			Status:        domain.BuyRequestStatusPending,
			IsGeneral:     true,
			Buyer:         domain.Counterparty{ID: "buyer-1", Name: "Mill Co"},
			CropType:      "maize",
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
			UpdatedAt:     base.Add(time.Duration(i) * time.Minute),
		}
		if i == 4 {
			request.Deleted = true
		}
		if err := repo.Insert(ctx, request); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	if err := repo.Insert(ctx, domain.BuyRequest{ID: "br_00", Buyer: domain.Counterparty{ID: "buyer-1"}}); err == nil {
		t.Fatalf("expected duplicate insert to fail")
	} else {
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
			t.Fatalf("expected conflict error, got %v", err)
		}
	}

	first, err := repo.ListByBuyer(ctx, repositories.BuyRequestListFilter{
		BuyerID:    "buyer-1",
		Pagination: domain.Pagination{PageSize: 3},
	})
	if err != nil {
		t.Fatalf("list first page: %v", err)
	}
	if len(first.Items) != 3 || first.Items[0].ID != "br_03" {
		t.Fatalf("unexpected first page: %+v", first.Items)
	}
	if first.NextPageToken == "" {
		t.Fatalf("expected next page token")
	}
	second, err := repo.ListByBuyer(ctx, repositories.BuyRequestListFilter{
		BuyerID:    "buyer-1",
		Pagination: domain.Pagination{PageSize: 3, PageToken: first.NextPageToken},
	})
	if err != nil {
		t.Fatalf("list second page: %v", err)
	}
	if len(second.Items) != 1 || second.Items[0].ID != "br_00" || second.NextPageToken != "" {
		t.Fatalf("unexpected second page: %+v token=%q", second.Items, second.NextPageToken)
	}

	if _, err := repo.FindByID(ctx, "br_04"); err == nil {
		t.Fatalf("expected soft-deleted request to be hidden")
	}

	// Concurrent assignments race on one document; exactly one seller wins.
	const workers = 6
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := map[string]struct{}{}
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(idx int) {
			defer wg.Done()
			sellerID := fmt.Sprintf("seller-%d", idx)
			updated, err := repo.Mutate(ctx, "br_01", func(current *domain.BuyRequest) (bool, error) {
				if current.Seller != nil {
					if current.Seller.ID == sellerID {
						return false, nil
					}
					return false, pfirestore.Conflict("assign", errors.New("assigned elsewhere"))
				}
				current.Seller = &domain.Counterparty{ID: sellerID}
				current.IsGeneral = false
				return true, nil
			})
			if err != nil {
				return
			}
			mu.Lock()
			winners[updated.Seller.ID] = struct{}{}
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winning seller, got %v", winners)
	}

	stored, err := repo.FindByID(ctx, "br_01")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.IsGeneral || stored.Seller == nil {
		t.Fatalf("expected assignment to persist: %+v", stored)
	}

	notifications := registry.Notifications()
	if err := notifications.Insert(ctx, domain.Notification{
		ID:          "ntf_1",
		Type:        domain.NotificationTypeContactMessage,
		RecipientID: "buyer-1",
		SenderID:    stored.Seller.ID,
		Message:     "hello",
		CreatedAt:   base,
	}); err != nil {
		t.Fatalf("insert notification: %v", err)
	}
	readAt := base.Add(time.Hour)
	read, err := notifications.MarkRead(ctx, "ntf_1", readAt)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !read.IsRead || read.ReadAt == nil || !read.ReadAt.Equal(readAt) {
		t.Fatalf("unexpected read notification: %+v", read)
	}
	unread, err := notifications.ListByRecipient(ctx, repositories.NotificationListFilter{RecipientID: "buyer-1", UnreadOnly: true})
	if err != nil {
		t.Fatalf("list unread: %v", err)
	}
	if len(unread.Items) != 0 {
		t.Fatalf("expected no unread notifications, got %d", len(unread.Items))
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}
	out, err := exec.Command("docker", args...).CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, "docker", "stop", id).Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		lastErr = err
		time.Sleep(250 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout waiting for endpoint")
	}
	t.Fatalf("emulator did not become ready: %v", lastErr)
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}
}

package keys

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"gridterm/internal/models"
)

func testCred(family models.KeyFamily) *models.DecryptedCredential {
	return &models.DecryptedCredential{
		APIKey:      "api-key",
		APISecret:   "api-secret",
		KeyFamily:   family,
		DecryptedAt: time.Now(),
	}
}

func TestSecureKeyCacheHitWithinTTL(t *testing.T) {
	cache := NewSecureKeyCache(5 * time.Minute)
	userID := uuid.New()

	var loads int32
	loader := func(ctx context.Context) (*models.DecryptedCredential, error) {
		atomic.AddInt32(&loads, 1)
		return testCred(models.KeyFamilyHMACSHA256), nil
	}

	first, err := cache.GetOrDecrypt(context.Background(), userID, "binance", models.KeyFamilyHMACSHA256, loader)
	if err != nil {
		t.Fatalf("GetOrDecrypt: %v", err)
	}

	second, err := cache.GetOrDecrypt(context.Background(), userID, "binance", models.KeyFamilyHMACSHA256, loader)
	if err != nil {
		t.Fatalf("GetOrDecrypt: %v", err)
	}

	if atomic.LoadInt32(&loads) != 1 {
		t.Errorf("loader вызван %d раз, ожидался 1", loads)
	}
	if first != second {
		t.Error("повторный вызов должен вернуть ту же запись")
	}
}

func TestSecureKeyCacheExpiredNeverReturned(t *testing.T) {
	cache := NewSecureKeyCache(5 * time.Minute)
	userID := uuid.New()

	// Подменяем часы
	base := time.Now()
	current := base
	var clockMu sync.Mutex
	cache.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return current
	}

	var loads int32
	loader := func(ctx context.Context) (*models.DecryptedCredential, error) {
		atomic.AddInt32(&loads, 1)
		return testCred(models.KeyFamilyHMACSHA256), nil
	}

	if _, err := cache.GetOrDecrypt(context.Background(), userID, "binance", models.KeyFamilyHMACSHA256, loader); err != nil {
		t.Fatalf("GetOrDecrypt: %v", err)
	}

	// Ровно на границе TTL запись уже истекла
	clockMu.Lock()
	current = base.Add(5 * time.Minute)
	clockMu.Unlock()

	if _, err := cache.GetOrDecrypt(context.Background(), userID, "binance", models.KeyFamilyHMACSHA256, loader); err != nil {
		t.Fatalf("GetOrDecrypt после истечения: %v", err)
	}

	// Чтение сразу после истечения - ровно одна перезагрузка
	if atomic.LoadInt32(&loads) != 2 {
		t.Errorf("loader вызван %d раз, ожидалось 2", loads)
	}

	// Следующее чтение снова из кэша
	if _, err := cache.GetOrDecrypt(context.Background(), userID, "binance", models.KeyFamilyHMACSHA256, loader); err != nil {
		t.Fatalf("GetOrDecrypt: %v", err)
	}
	if atomic.LoadInt32(&loads) != 2 {
		t.Errorf("после перезагрузки ожидалось попадание, loads = %d", loads)
	}
}

func TestSecureKeyCacheSingleFlight(t *testing.T) {
	cache := NewSecureKeyCache(5 * time.Minute)
	userID := uuid.New()

	const callers = 50

	var loads int32
	release := make(chan struct{})
	loader := func(ctx context.Context) (*models.DecryptedCredential, error) {
		atomic.AddInt32(&loads, 1)
		<-release // держим расшифровку, пока все не встанут в очередь
		return testCred(models.KeyFamilyHMACSHA256), nil
	}

	var wg sync.WaitGroup
	results := make([]*models.DecryptedCredential, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.GetOrDecrypt(context.Background(), userID, "binance", models.KeyFamilyHMACSHA256, loader)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&loads); got != 1 {
		t.Errorf("расшифровка выполнена %d раз при %d конкурентных вызовах, ожидался 1", got, callers)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("caller %d получил другую запись", i)
		}
	}
}

func TestSecureKeyCacheFamiliesAreSeparate(t *testing.T) {
	cache := NewSecureKeyCache(5 * time.Minute)
	userID := uuid.New()

	hmacLoader := func(ctx context.Context) (*models.DecryptedCredential, error) {
		return testCred(models.KeyFamilyHMACSHA256), nil
	}
	edLoader := func(ctx context.Context) (*models.DecryptedCredential, error) {
		return testCred(models.KeyFamilyEd25519), nil
	}

	hmac, err := cache.GetOrDecrypt(context.Background(), userID, "binance", models.KeyFamilyHMACSHA256, hmacLoader)
	if err != nil {
		t.Fatalf("GetOrDecrypt(hmac): %v", err)
	}
	ed, err := cache.GetOrDecrypt(context.Background(), userID, "binance", models.KeyFamilyEd25519, edLoader)
	if err != nil {
		t.Fatalf("GetOrDecrypt(ed25519): %v", err)
	}

	if hmac.KeyFamily != models.KeyFamilyHMACSHA256 {
		t.Errorf("ожидалось hmac_sha256, получено %s", hmac.KeyFamily)
	}
	if ed.KeyFamily != models.KeyFamilyEd25519 {
		t.Errorf("ожидалось ed25519, получено %s", ed.KeyFamily)
	}
	if cache.Len() != 2 {
		t.Errorf("семейства должны кэшироваться раздельно, записей: %d", cache.Len())
	}
}

func TestSecureKeyCacheLoaderError(t *testing.T) {
	cache := NewSecureKeyCache(5 * time.Minute)
	userID := uuid.New()

	loadErr := errors.New("db unavailable")
	loader := func(ctx context.Context) (*models.DecryptedCredential, error) {
		return nil, loadErr
	}

	if _, err := cache.GetOrDecrypt(context.Background(), userID, "binance", models.KeyFamilyHMACSHA256, loader); !errors.Is(err, loadErr) {
		t.Errorf("ожидалась ошибка загрузчика, получено %v", err)
	}

	// Ошибка не кэшируется
	if cache.Len() != 0 {
		t.Errorf("ошибочный результат не должен кэшироваться, записей: %d", cache.Len())
	}
}

func TestSecureKeyCacheInvalidate(t *testing.T) {
	cache := NewSecureKeyCache(5 * time.Minute)
	userID := uuid.New()

	var loads int32
	loader := func(ctx context.Context) (*models.DecryptedCredential, error) {
		atomic.AddInt32(&loads, 1)
		return testCred(models.KeyFamilyHMACSHA256), nil
	}

	if _, err := cache.GetOrDecrypt(context.Background(), userID, "binance", models.KeyFamilyHMACSHA256, loader); err != nil {
		t.Fatalf("GetOrDecrypt: %v", err)
	}

	cache.Invalidate(userID, "binance", models.KeyFamilyHMACSHA256)
	if cache.Len() != 0 {
		t.Error("Invalidate должен удалить запись")
	}

	if _, err := cache.GetOrDecrypt(context.Background(), userID, "binance", models.KeyFamilyHMACSHA256, loader); err != nil {
		t.Fatalf("GetOrDecrypt: %v", err)
	}
	if atomic.LoadInt32(&loads) != 2 {
		t.Errorf("после инвалидации ожидалась перезагрузка, loads = %d", loads)
	}
}

func TestSecureKeyCacheInvalidateDuringDecrypt(t *testing.T) {
	cache := NewSecureKeyCache(5 * time.Minute)
	userID := uuid.New()

	started := make(chan struct{})
	release := make(chan struct{})
	loader := func(ctx context.Context) (*models.DecryptedCredential, error) {
		close(started)
		<-release
		return testCred(models.KeyFamilyHMACSHA256), nil
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := cache.GetOrDecrypt(context.Background(), userID, "binance", models.KeyFamilyHMACSHA256, loader)
		errCh <- err
	}()

	// Расшифровка зависла на полпути - деактивируем ключ и отпускаем её
	<-started
	cache.Invalidate(userID, "binance", models.KeyFamilyHMACSHA256)
	close(release)

	if err := <-errCh; err != nil {
		t.Fatalf("GetOrDecrypt: %v", err)
	}

	// Результат отозванной расшифровки не заселяет кэш заново
	if cache.Len() != 0 {
		t.Errorf("после инвалидации кэш должен быть пуст, записей: %d", cache.Len())
	}

	loadErr := errors.New("key deactivated")
	failing := func(ctx context.Context) (*models.DecryptedCredential, error) {
		return nil, loadErr
	}
	if _, err := cache.GetOrDecrypt(context.Background(), userID, "binance", models.KeyFamilyHMACSHA256, failing); !errors.Is(err, loadErr) {
		t.Errorf("ожидалась перезагрузка после инвалидации, получено %v", err)
	}
}

func TestSecureKeyCacheContextCancellation(t *testing.T) {
	cache := NewSecureKeyCache(5 * time.Minute)
	userID := uuid.New()

	release := make(chan struct{})
	defer close(release)
	loader := func(ctx context.Context) (*models.DecryptedCredential, error) {
		<-release
		return testCred(models.KeyFamilyHMACSHA256), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := cache.GetOrDecrypt(ctx, userID, "binance", models.KeyFamilyHMACSHA256, loader)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ожидался DeadlineExceeded, получено %v", err)
	}
}

package courier

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// expirySkew: токен считаем протухшим чуть раньше фактического expiry,
// чтобы не отдать наружу токен, который умрёт в полёте.
const expirySkew = 30 * time.Second

// ExchangeFunc выполняет провайдерский обмен на новый токен.
type ExchangeFunc func(ctx context.Context) (token string, expiry time.Time, err error)

// TokenCache — кэш токена одного провайдера. Чтение валидного токена идёт
// без эксклюзива; освежение сериализовано двойной проверкой под мьютексом,
// чтобы конкурентные запросы не устроили дублирующие обмены.
// Провайдеры со статическими ключами TokenCache не используют вовсе.
type TokenCache struct {
	exchange ExchangeFunc

	mu     sync.RWMutex
	token  string
	expiry time.Time
}

func NewTokenCache(exchange ExchangeFunc) *TokenCache {
	return &TokenCache{exchange: exchange}
}

func (t *TokenCache) Token(ctx context.Context) (string, error) {
	t.mu.RLock()
	if t.valid() {
		tok := t.token
		t.mu.RUnlock()
		return tok, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	// Пока ждали мьютекс, токен мог освежить кто-то другой.
	if t.valid() {
		return t.token, nil
	}

	tok, exp, err := t.exchange(ctx)
	if err != nil {
		// Ошибка обмена фатальна для текущего запроса, но кэш не портим:
		// следующий запрос попробует снова.
		return "", errors.Wrap(err, "token exchange")
	}
	t.token = tok
	t.expiry = exp
	return tok, nil
}

// Invalidate сбрасывает кэш; зовётся после 401 от провайдера.
func (t *TokenCache) Invalidate() {
	t.mu.Lock()
	t.token = ""
	t.expiry = time.Time{}
	t.mu.Unlock()
}

func (t *TokenCache) valid() bool {
	return t.token != "" && time.Now().Before(t.expiry.Add(-expirySkew))
}

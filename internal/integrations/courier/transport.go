package courier

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// TransportError классифицирует сетевую ошибку клиента провайдера:
// таймауты помечаются ErrTimeout, остальное возвращается как есть.
func TransportError(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%v: %w", err, ErrTimeout)
	}
	return err
}

package models

import (
	"errors"
	"fmt"
)

// Типизированные ошибки жизненного цикла заказа
// Фасад LifecycleService переводит любые сбои коллабораторов в эту таксономию

// ErrOrderNotFound заказ не найден в пределах ресторана
// (устаревшая ссылка клиента, заказ уже заархивирован или удален выше по потоку)
var ErrOrderNotFound = errors.New("order not found")

// ErrRoleNotAllowed роль оператора не дает права запрашивать этот статус
// Гейт прав отделен от машины состояний и срабатывает до валидатора
var ErrRoleNotAllowed = errors.New("role is not allowed to request this status")

// IllegalTransitionError запрошенный переход нарушает машину состояний
// Не ретраится автоматически, оператору показывается отклоненное действие
type IllegalTransitionError struct {
	From OrderStatus
	To   OrderStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal status transition from %s to %s", e.From, e.To)
}

// ConflictError конкурентная запись обогнала наш CAS-апдейт
// Actual содержит статус, который реально лежит в хранилище
type ConflictError struct {
	OrderID  string
	Expected OrderStatus
	Actual   OrderStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("order %s status conflict: expected %s, actual %s", e.OrderID, e.Expected, e.Actual)
}

// StorageError временный сбой хранилища
// Фасад ретраит один раз с паузой, потом отдает наверх как есть
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

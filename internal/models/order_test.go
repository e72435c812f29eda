package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveDisplayID(t *testing.T) {
	assert.Equal(t, "6417", DeriveDisplayID("9b2f8c1d-3a45-4e67-89ab-cd0123456417"))
	assert.Equal(t, "0000", DeriveDisplayID("abc"), "без цифр используется запасной номер")
	assert.Equal(t, "0000", DeriveDisplayID("42"), "меньше четырех цифр - запасной номер")
}

func TestItemsCount(t *testing.T) {
	order := Order{Items: []OrderItem{
		{Name: "Маргарита", Quantity: 2},
		{Name: "Борщ", Quantity: 1},
		{Name: "Морс", Quantity: 3},
	}}
	assert.Equal(t, 6, order.ItemsCount())

	empty := Order{}
	assert.Equal(t, 0, empty.ItemsCount())
}

func TestPageSpecNormalize(t *testing.T) {
	spec := PageSpec{}.Normalize(10)
	assert.Equal(t, PageSpec{Page: 1, PageSize: 10}, spec)

	spec = PageSpec{Page: -3, PageSize: 0}.Normalize(10)
	assert.Equal(t, PageSpec{Page: 1, PageSize: 10}, spec)

	spec = PageSpec{Page: 2, PageSize: 5}.Normalize(10)
	assert.Equal(t, PageSpec{Page: 2, PageSize: 5}, spec)
}

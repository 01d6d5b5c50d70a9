package main

import (
	"gorm.io/gorm"

	"github.com/iqlusioninc/iqkms/pkg/rpc"
)

const (
	DefaultLimit = 10
	MaxLimit     = 1000
)

func applySort(db *gorm.DB, sortBy string, defaultSort rpc.SortType, sortType *rpc.SortType) *gorm.DB {
	if sortType == nil {
		return db.Order(sortBy + " " + defaultSort.ToString())
	}

	return db.Order(sortBy + " " + sortType.ToString())
}

func paginate(offset, limit uint32) func(db *gorm.DB) *gorm.DB {
	l := int(limit)
	if l == 0 {
		l = DefaultLimit
	} else if l > MaxLimit {
		l = MaxLimit
	}

	return func(db *gorm.DB) *gorm.DB {
		return db.Offset(int(offset)).Limit(l)
	}
}

// applyListOptions orders by sortBy, then by id in the same direction so
// pages stay stable when sortBy ties.
func applyListOptions(db *gorm.DB, sortBy string, defaultSort rpc.SortType, options *rpc.ListOptions) *gorm.DB {
	if options == nil {
		options = &rpc.ListOptions{}
	}

	db = applySort(db, sortBy, defaultSort, options.Sort)
	db = applySort(db, "id", defaultSort, options.Sort)
	return paginate(options.Offset, options.Limit)(db)
}

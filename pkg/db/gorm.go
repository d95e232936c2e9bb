package db

import "gorm.io/gorm"

var gormDuplicatedKey = gorm.ErrDuplicatedKey

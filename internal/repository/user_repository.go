package repository

import (
	"time"

	"school_im_backend/internal/model"

	"gorm.io/gorm"
)

type UserRepository struct {
	DB *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{DB: db}
}

func (r *UserRepository) GetByID(id uint) (*model.User, error) {
	var user model.User
	err := r.DB.First(&user, id).Error
	return &user, err
}

func (r *UserRepository) GetByEmail(email string) (*model.User, error) {
	var user model.User
	err := r.DB.Where("email = ?", email).First(&user).Error
	return &user, err
}

func (r *UserRepository) Create(user *model.User) error {
	return r.DB.Create(user).Error
}

func (r *UserRepository) UpdateLastSeen(userID uint) error {
	return r.DB.Model(&model.User{}).
		Where("id = ?", userID).
		Update("last_seen", time.Now()).Error
}

func (r *UserRepository) UpdateLastLogin(userID uint) error {
	return r.DB.Model(&model.User{}).
		Where("id = ?", userID).
		Update("last_login", time.Now()).Error
}

// GetIDsByRoles 按角色取所有启用账号的ID，广播受众解析用
func (r *UserRepository) GetIDsByRoles(roles []model.UserRole) ([]uint, error) {
	var ids []uint
	err := r.DB.Model(&model.User{}).
		Where("role IN ? AND disabled = ?", roles, false).
		Pluck("id", &ids).Error
	return ids, err
}

func (r *UserRepository) CountByRoles(roles []model.UserRole) (int64, error) {
	var count int64
	err := r.DB.Model(&model.User{}).
		Where("role IN ? AND disabled = ?", roles, false).
		Count(&count).Error
	return count, err
}

func (r *UserRepository) GetByIDs(ids []uint) ([]model.User, error) {
	var users []model.User
	err := r.DB.Where("id IN ?", ids).Find(&users).Error
	return users, err
}

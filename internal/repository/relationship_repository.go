package repository

import (
	"context"
	"fmt"
	"time"

	"school_im_backend/internal/model"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

const relationCacheTTL = 10 * time.Minute

// RelationshipRepository 只读关系数据：师生、家校、咨询、分组
// 本服务不维护这些事实，只消费它们来决定谁可以和谁说话
type RelationshipRepository struct {
	DB    *gorm.DB
	Redis *redis.Client
	ctx   context.Context
}

func NewRelationshipRepository(db *gorm.DB, rdb *redis.Client) *RelationshipRepository {
	return &RelationshipRepository{
		DB:    db,
		Redis: rdb,
		ctx:   context.Background(),
	}
}

func (r *RelationshipRepository) IsTeacherOf(teacherID, studentID uint) (bool, error) {
	var count int64
	err := r.DB.Model(&model.TeacherStudent{}).
		Where("teacher_id = ? AND student_id = ?", teacherID, studentID).
		Count(&count).Error
	return count > 0, err
}

func (r *RelationshipRepository) IsCounselorOf(counselorID, studentID uint) (bool, error) {
	var count int64
	err := r.DB.Model(&model.CounselorStudent{}).
		Where("counselor_id = ? AND student_id = ?", counselorID, studentID).
		Count(&count).Error
	return count > 0, err
}

func (r *RelationshipRepository) IsParentOf(parentID, studentID uint) (bool, error) {
	var count int64
	err := r.DB.Model(&model.ParentStudent{}).
		Where("parent_id = ? AND student_id = ?", parentID, studentID).
		Count(&count).Error
	return count > 0, err
}

// SharesGroup 两个用户是否同属任一分组
func (r *RelationshipRepository) SharesGroup(userA, userB uint) (bool, error) {
	var count int64
	err := r.DB.Table("course_group_members AS a").
		Joins("JOIN course_group_members b ON a.group_id = b.group_id").
		Where("a.user_id = ? AND b.user_id = ?", userA, userB).
		Count(&count).Error
	return count > 0, err
}

func (r *RelationshipRepository) GetGroup(groupID string) (*model.CourseGroup, error) {
	var group model.CourseGroup
	err := r.DB.First(&group, "id = ?", groupID).Error
	return &group, err
}

func (r *RelationshipRepository) BindGroupConversation(groupID, convID string) error {
	return r.DB.Model(&model.CourseGroup{}).
		Where("id = ?", groupID).
		Update("conversation_id", convID).Error
}

// IsGroupMember 群内每次发言都要查，走缓存的成员集合
func (r *RelationshipRepository) IsGroupMember(groupID string, userID uint) (bool, error) {
	ids, err := r.GetGroupMemberIDsCached(groupID)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (r *RelationshipRepository) GetGroupMemberIDs(groupID string) ([]uint, error) {
	var ids []uint
	err := r.DB.Model(&model.CourseGroupMember{}).
		Where("group_id = ?", groupID).
		Pluck("user_id", &ids).Error
	return ids, err
}

// GetGroupMemberIDsCached 分组成员ID（带缓存，授权检查高频调用）
func (r *RelationshipRepository) GetGroupMemberIDsCached(groupID string) ([]uint, error) {
	if r.Redis == nil {
		return r.GetGroupMemberIDs(groupID)
	}

	key := fmt.Sprintf("im:relation:group_members:%s", groupID)
	cached, err := r.Redis.SMembers(r.ctx, key).Result()
	if err == nil && len(cached) > 0 {
		var ids []uint
		for _, s := range cached {
			var id uint
			fmt.Sscanf(s, "%d", &id)
			if id > 0 {
				ids = append(ids, id)
			}
		}
		return ids, nil
	}

	ids, err := r.GetGroupMemberIDs(groupID)
	if err == nil && len(ids) > 0 {
		pipe := r.Redis.Pipeline()
		for _, id := range ids {
			pipe.SAdd(r.ctx, key, id)
		}
		pipe.Expire(r.ctx, key, relationCacheTTL)
		pipe.Exec(r.ctx)
	}
	return ids, err
}

func (r *RelationshipRepository) GetUserGroupIDs(userID uint) ([]string, error) {
	var ids []string
	err := r.DB.Model(&model.CourseGroupMember{}).
		Where("user_id = ?", userID).
		Pluck("group_id", &ids).Error
	return ids, err
}

// GetStudentsOfTeacher 老师名下所有学生ID
func (r *RelationshipRepository) GetStudentsOfTeacher(teacherID uint) ([]uint, error) {
	var ids []uint
	err := r.DB.Model(&model.TeacherStudent{}).
		Where("teacher_id = ?", teacherID).
		Pluck("student_id", &ids).Error
	return ids, err
}

func (r *RelationshipRepository) GetStudentsOfCounselor(counselorID uint) ([]uint, error) {
	var ids []uint
	err := r.DB.Model(&model.CounselorStudent{}).
		Where("counselor_id = ?", counselorID).
		Pluck("student_id", &ids).Error
	return ids, err
}

func (r *RelationshipRepository) GetChildrenOfParent(parentID uint) ([]uint, error) {
	var ids []uint
	err := r.DB.Model(&model.ParentStudent{}).
		Where("parent_id = ?", parentID).
		Pluck("student_id", &ids).Error
	return ids, err
}

// GetContactsOfStudent 学生视角的联系人：任课老师、辅导老师、家长
func (r *RelationshipRepository) GetContactsOfStudent(studentID uint) ([]uint, error) {
	var teacherIDs, counselorIDs, parentIDs []uint

	if err := r.DB.Model(&model.TeacherStudent{}).
		Where("student_id = ?", studentID).
		Pluck("teacher_id", &teacherIDs).Error; err != nil {
		return nil, err
	}
	if err := r.DB.Model(&model.CounselorStudent{}).
		Where("student_id = ?", studentID).
		Pluck("counselor_id", &counselorIDs).Error; err != nil {
		return nil, err
	}
	if err := r.DB.Model(&model.ParentStudent{}).
		Where("student_id = ?", studentID).
		Pluck("parent_id", &parentIDs).Error; err != nil {
		return nil, err
	}

	seen := make(map[uint]bool)
	var ids []uint
	for _, group := range [][]uint{teacherIDs, counselorIDs, parentIDs} {
		for _, id := range group {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

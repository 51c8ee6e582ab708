package database

import (
	"fmt"
	"log"

	"school_im_backend/internal/config"
	"school_im_backend/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func InitDB(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=%t&loc=Local",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.DBName,
		cfg.Charset,
		cfg.ParseTime,
	)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})

	if err != nil {
		return nil, err
	}

	log.Println("Database connection established")

	err = db.AutoMigrate(
		&model.User{},
		&model.Conversation{},
		&model.ConversationParticipant{},
		&model.ChatMessage{},
		&model.MessageDeliveryReceipt{},
		&model.MessageReadReceipt{},
		&model.ArchivedMessage{},
		&model.BroadcastMessage{},
		&model.BroadcastRecipient{},
		&model.AdminMessageAccessLog{},
		&model.PushSubscription{},
		&model.TeacherStudent{},
		&model.CounselorStudent{},
		&model.ParentStudent{},
		&model.CourseGroup{},
		&model.CourseGroupMember{},
		&model.ModerationWord{},
	)

	if err != nil {
		return nil, err
	}

	log.Println("Database migration completed")

	// 默认审核词表（首次启动时插入）
	var count int64
	db.Model(&model.ModerationWord{}).Count(&count)
	if count == 0 {
		defaultWords := []model.ModerationWord{
			{Word: "笨蛋", Kind: "blocked", Enabled: true},
			{Word: "蠢货", Kind: "blocked", Enabled: true},
			{Word: "滚", Kind: "blocked", Enabled: true},
			{Word: "stupid", Kind: "blocked", Enabled: true},
			{Word: "idiot", Kind: "blocked", Enabled: true},
			{Word: "damn", Kind: "blocked", Enabled: true},
			{Word: "assessment", Kind: "whitelist", Enabled: true}, // 防止误伤课程常用词
			{Word: "class", Kind: "whitelist", Enabled: true},
		}
		for _, w := range defaultWords {
			db.Create(&w)
		}
	}

	return db, nil
}

package schema

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Model struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name    string `gorm:"size:100;not null"`
	Type    string `gorm:"size:100;not null"`
	SubType string `gorm:"size:100;not null;default:''"`

	PublishedDate time.Time

	TrainStatus  string `gorm:"size:100;not null"`
	DeployStatus string `gorm:"size:100;not null"`

	Access            string `gorm:"size:100;not null;default:'private'"`
	DefaultPermission string `gorm:"size:100;not null;default:'read'"`

	Attributes   []ModelAttribute  `gorm:"constraint:OnDelete:CASCADE"`
	Dependencies []ModelDependency `gorm:"foreignKey:ModelId;constraint:OnDelete:CASCADE"`

	BaseModelId *uuid.UUID `gorm:"type:uuid"`
	BaseModel   *Model     `gorm:"constraint:OnDelete:SET NULL"`

	UserId uuid.UUID `gorm:"type:uuid;not null"`
	User   *User

	TeamId *uuid.UUID `gorm:"type:uuid"`
	Team   *Team      `gorm:"constraint:OnDelete:SET NULL"`

	UserAPIKeys []UserAPIKey `gorm:"many2many:user_api_key_models;"`
}

func (m *Model) GetAttributes() map[string]string {
	attrs := make(map[string]string)
	for _, attr := range m.Attributes {
		attrs[attr.Key] = attr.Value
	}
	return attrs
}

func (m *Model) Status(job string) string {
	if job == TrainJob {
		return m.TrainStatus
	}
	return m.DeployStatus
}

// JobName is deterministic for a (job, model) pair and is used as the
// idempotency key when submitting jobs to the cluster backend.
func (m *Model) JobName(job string) string {
	if m.SubType == "" {
		return fmt.Sprintf("%v-%v-%v", job, m.Id, m.Type)
	}
	return fmt.Sprintf("%v-%v-%v-%v", job, m.Id, m.Type, m.SubType)
}

func (m *Model) TrainJobName() string {
	return m.JobName(TrainJob)
}

func (m *Model) DeployJobName() string {
	return m.JobName(DeployJob)
}

type ModelAttribute struct {
	ModelId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Key     string    `gorm:"primaryKey"`
	Value   string
}

type ModelDependency struct {
	ModelId      uuid.UUID `gorm:"type:uuid;primaryKey"`
	DependencyId uuid.UUID `gorm:"type:uuid;primaryKey"`

	Model      *Model `gorm:"foreignKey:ModelId"`
	Dependency *Model `gorm:"foreignKey:DependencyId"`
}

type ModelPermission struct {
	UserId     uuid.UUID `gorm:"type:uuid;primaryKey"`
	ModelId    uuid.UUID `gorm:"type:uuid;primaryKey;index"`
	Permission string    `gorm:"size:20;not null"`

	User  *User  `gorm:"constraint:OnDelete:CASCADE"`
	Model *Model `gorm:"constraint:OnDelete:CASCADE"`
}

type User struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Username string `gorm:"unique;size:50;not null"`
	Email    string `gorm:"unique;size:254;not null"`
	Password []byte

	IsAdmin bool `gorm:"not null;default:false"`

	Models []Model
	Teams  []UserTeam `gorm:"constraint:OnDelete:CASCADE"`
}

type UserAPIKey struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	HashKey string  `gorm:"column:hashkey;unique;size:500;not null;index"`
	Name    string  `gorm:"size:500;not null"`
	Models  []Model `gorm:"many2many:user_api_key_models;constraint:OnDelete:CASCADE;"`

	AllModels bool `gorm:"default:false;not null"`

	GeneratedTime time.Time
	ExpiryTime    time.Time `gorm:"not null"`

	CreatedBy uuid.UUID `gorm:"type:uuid;not null"`
	User      User      `gorm:"foreignKey:CreatedBy;constraint:OnDelete:CASCADE;"`
}

func (k *UserAPIKey) InScope(modelId uuid.UUID) bool {
	if k.AllModels {
		return true
	}
	for _, m := range k.Models {
		if m.Id == modelId {
			return true
		}
	}
	return false
}

type Team struct {
	Id   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name string    `gorm:"unique;size:100;not null"`
}

type UserTeam struct {
	UserId      uuid.UUID `gorm:"type:uuid;primaryKey"`
	TeamId      uuid.UUID `gorm:"type:uuid;primaryKey"`
	IsTeamAdmin bool      `gorm:"not null;default:false"`

	User *User `gorm:"constraint:OnDelete:CASCADE"`
	Team *Team `gorm:"constraint:OnDelete:CASCADE"`
}

type JobLog struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	ModelId   uuid.UUID `gorm:"type:uuid;index"`
	Job       string    `gorm:"size:50;not null"`
	Level     string    `gorm:"size:50;not null"`
	Message   string
	Timestamp time.Time `gorm:"not null"`
}

// AllTables lists every table in the engine schema, in an order where foreign
// key targets precede the tables referencing them.
func AllTables() []interface{} {
	return []interface{}{
		&User{}, &Team{}, &UserTeam{},
		&Model{}, &ModelAttribute{}, &ModelDependency{}, &ModelPermission{},
		&UserAPIKey{}, &JobLog{},
	}
}

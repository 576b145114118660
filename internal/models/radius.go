package models

import (
	"time"
)

// RadCheck represents RADIUS check attributes
type RadCheck struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Username  string `gorm:"size:64;not null;index" json:"username"`
	Attribute string `gorm:"size:64;not null" json:"attribute"`
	Op        string `gorm:"size:2;not null;default:':='" json:"op"`
	Value     string `gorm:"size:253;not null" json:"value"`
}

// RadReply represents RADIUS reply attributes
type RadReply struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Username  string `gorm:"size:64;not null;index" json:"username"`
	Attribute string `gorm:"size:64;not null" json:"attribute"`
	Op        string `gorm:"size:2;not null;default:'='" json:"op"`
	Value     string `gorm:"size:253;not null" json:"value"`
}

// RadGroupCheck represents RADIUS group check attributes
type RadGroupCheck struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	GroupName string `gorm:"column:groupname;size:64;not null;index" json:"groupname"`
	Attribute string `gorm:"size:64;not null" json:"attribute"`
	Op        string `gorm:"size:2;not null;default:':='" json:"op"`
	Value     string `gorm:"size:253;not null" json:"value"`
}

// RadGroupReply represents RADIUS group reply attributes
type RadGroupReply struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	GroupName string `gorm:"column:groupname;size:64;not null;index" json:"groupname"`
	Attribute string `gorm:"size:64;not null" json:"attribute"`
	Op        string `gorm:"size:2;not null;default:'='" json:"op"`
	Value     string `gorm:"size:253;not null" json:"value"`
}

// RadUserGroup represents user to group mapping
type RadUserGroup struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Username  string `gorm:"size:64;not null;index" json:"username"`
	GroupName string `gorm:"column:groupname;size:64;not null" json:"groupname"`
	Priority  int    `gorm:"default:1" json:"priority"`
}

// RadAcct represents RADIUS accounting records. The engine only reads it.
type RadAcct struct {
	RadAcctID          uint       `gorm:"column:radacctid;primaryKey" json:"radacctid"`
	AcctSessionID      string     `gorm:"column:acctsessionid;size:64;not null;index" json:"acctsessionid"`
	AcctUniqueID       string     `gorm:"column:acctuniqueid;size:32;uniqueIndex" json:"acctuniqueid"`
	Username           string     `gorm:"column:username;size:64;not null;index" json:"username"`
	NasIPAddress       string     `gorm:"column:nasipaddress;size:15;not null;index" json:"nasipaddress"`
	AcctStartTime      *time.Time `gorm:"column:acctstarttime;index" json:"acctstarttime"`
	AcctUpdateTime     *time.Time `gorm:"column:acctupdatetime" json:"acctupdatetime"`
	AcctStopTime       *time.Time `gorm:"column:acctstoptime;index" json:"acctstoptime"`
	AcctSessionTime    int64      `gorm:"column:acctsessiontime;default:0" json:"acctsessiontime"`
	AcctInputOctets    int64      `gorm:"column:acctinputoctets;default:0" json:"acctinputoctets"`
	AcctOutputOctets   int64      `gorm:"column:acctoutputoctets;default:0" json:"acctoutputoctets"`
	CallingStationID   string     `gorm:"column:callingstationid;size:50;index" json:"callingstationid"` // MAC Address
	AcctTerminateCause string     `gorm:"column:acctterminatecause;size:32" json:"acctterminatecause"`
	FramedIPAddress    string     `gorm:"column:framedipaddress;size:15;index" json:"framedipaddress"`
}

func (RadCheck) TableName() string {
	return "radcheck"
}

func (RadReply) TableName() string {
	return "radreply"
}

func (RadGroupCheck) TableName() string {
	return "radgroupcheck"
}

func (RadGroupReply) TableName() string {
	return "radgroupreply"
}

func (RadUserGroup) TableName() string {
	return "radusergroup"
}

func (RadAcct) TableName() string {
	return "radacct"
}

// Package record defines the notification value type and its wire shape.
//
// Field names and their order in Notification are part of the compatibility
// contract with upstream producers. Renaming or reordering a tag is a
// breaking change for the input channel and for every replica replaying the
// internal log.
package record

// Notification is the value held for one notification key. A new event for
// the same key produces a new Notification; values are never patched.
type Notification struct {
	Notn          string `json:"NOTN" msgpack:"NOTN"`
	NotnType      string `json:"NOTN_TYPE" msgpack:"NOTN_TYPE"`
	NotnDate      string `json:"NOTN_DT" msgpack:"NOTN_DT"`
	NotnCategory  string `json:"NOTN_CAT" msgpack:"NOTN_CAT"`
	Port          string `json:"PORT" msgpack:"PORT"`
	QuotaReq      string `json:"QUOTA_REQ" msgpack:"QUOTA_REQ"`
	Country       string `json:"CNTRY" msgpack:"CNTRY"`
	SlNo          string `json:"SLNO" msgpack:"SLNO"`
	SubSlNo       string `json:"SUB_SLNO" msgpack:"SUB_SLNO"`
	ListItem      string `json:"LIST_ITEM" msgpack:"LIST_ITEM"`
	CTH           string `json:"CTH" msgpack:"CTH"`
	ItemDesc      string `json:"ITEM_DESC" msgpack:"ITEM_DESC"`
	Rate          string `json:"RTA" msgpack:"RTA"`
	Amts          Amount `json:"AMTS" msgpack:"AMTS"`
	UQC           string `json:"UQC" msgpack:"UQC"`
	Flag          string `json:"FLG" msgpack:"FLG"`
	Cond          string `json:"COND" msgpack:"COND"`
	CVDRate       string `json:"CVD_RTA" msgpack:"CVD_RTA"`
	CVDAmts       string `json:"CVD_AMTS" msgpack:"CVD_AMTS"`
	CVDUQC        string `json:"CVD_UQC" msgpack:"CVD_UQC"`
	CVDFlag       string `json:"CVD_FLG" msgpack:"CVD_FLG"`
	AmendRef      string `json:"AMND_REF" msgpack:"AMND_REF"`
	Memorandum    string `json:"MEMORAND" msgpack:"MEMORAND"`
	Condition     string `json:"CONDIT" msgpack:"CONDIT"`
	NotnEndDate   string `json:"NOTN_ENDT" msgpack:"NOTN_ENDT"`
	ANotn         string `json:"A_NOTN" msgpack:"A_NOTN"`
	ANotnDate     string `json:"A_NOTN_DT" msgpack:"A_NOTN_DT"`
	ASlNo         string `json:"A_SLNO" msgpack:"A_SLNO"`
	Status        string `json:"STATUS" msgpack:"STATUS"`
	ADFlag        string `json:"AD_FLG" msgpack:"AD_FLG"`
	AmendBy       string `json:"AMEND_BY" msgpack:"AMEND_BY"`
	AmendDate     string `json:"AMEND_DT" msgpack:"AMEND_DT"`
	EntryBy       string `json:"ENTRY_BY" msgpack:"ENTRY_BY"`
	EntryDate     string `json:"ENTRY_DT" msgpack:"ENTRY_DT"`
	PFlag         string `json:"PFLG" msgpack:"PFLG"`
	BCDAmts3      string `json:"BCD_AMTS3" msgpack:"BCD_AMTS3"`
	BCDUQC3       string `json:"BCD_UQC3" msgpack:"BCD_UQC3"`
	BondCode      string `json:"BOND_CD" msgpack:"BOND_CD"`
	SchemeCode    string `json:"SCH_CD" msgpack:"SCH_CD"`
	DBKType       string `json:"DBK_TYPE" msgpack:"DBK_TYPE"`
	SubmitBy      string `json:"SBMT_BY" msgpack:"SBMT_BY"`
	SubmitDate    string `json:"SBMT_DT" msgpack:"SBMT_DT"`
	NotnIssueDate string `json:"NOTN_IDT" msgpack:"NOTN_IDT"`
	AntiDump      string `json:"ANTI_DUMP" msgpack:"ANTI_DUMP"`
	CVD9          string `json:"CVD_9" msgpack:"CVD_9"`
}

// Envelope is the value written to the internal log. It carries the decoded
// notification plus ingestion metadata used for lag reporting.
type Envelope struct {
	Notification Notification `msgpack:"n"`
	IngestedAtMS int64        `msgpack:"ts"`   // Unix ms when the ingesting node decoded it
	NodeID       uint64       `msgpack:"node"` // Ingesting node
}

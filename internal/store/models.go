// Package store implements the relational persistence layer: raw flows,
// aggregates, assets, dependencies, gateways, change events, alerts,
// classification data, and background-task bookkeeping. Every store talks
// to Postgres through database/sql and github.com/lib/pq.
package store

import "time"

// Asset is a discovered network endpoint.
type Asset struct {
	ID                    string
	IPAddress             string
	AssetType             string
	IsInternal            bool
	IsCritical            bool
	Environment           string
	Datacenter            string
	Location              string
	DefaultOwner          string
	DefaultTeam           string
	ClassificationLocked  bool
	ClassificationConfidence float64
	ClassificationScores  map[string]float64
	ClassificationMethod  string
	LastClassifiedAt      *time.Time
	IsOffline             bool
	FirstSeen             time.Time
	LastSeen              time.Time
	DeletedAt             *time.Time
}

// ClassificationRule drives the asset mapper's longest-prefix-match
// enrichment.
type ClassificationRule struct {
	ID            string
	CIDR          string
	MaskLen       int
	Priority      int
	Environment   string
	Datacenter    string
	Location      string
	IsInternal    bool
	DefaultOwner  string
	DefaultTeam   string
	AssetTypeHint string
	Active        bool
}

// FlowAggregate is one tumbling-window rollup of raw flows sharing a
// (src_ip, dst_ip, src_port, dst_port, protocol) key.
type FlowAggregate struct {
	WindowStart      time.Time
	WindowEnd        time.Time
	SrcIP            string
	DstIP            string
	SrcPort          uint16
	DstPort          uint16
	Protocol         uint8
	BytesTotal       uint64
	PacketsTotal     uint64
	FlowsCount       int
	PrimaryGatewayIP string
	ExporterIP       string
	SrcAssetID       string
	DstAssetID       string
	IsProcessed      bool
}

// Dependency is a current or historical directed edge between two assets.
type Dependency struct {
	ID             string
	SourceAssetID  string
	TargetAssetID  string
	TargetPort     int
	Protocol       uint8
	BytesTotal     uint64
	BytesLast24h   uint64
	BytesLast7d    uint64
	FlowsTotal     uint64
	FirstSeen      time.Time
	LastSeen       time.Time
	ValidFrom      time.Time
	ValidTo        *time.Time
	AvgLatencyMs   float64
	IsCritical     bool
	IsConfirmed    bool
	IsIgnored      bool
	DiscoveredBy   string
}

// GatewayObservation is one raw next-hop/exporter observation feeding the
// gateway rollup.
type GatewayObservation struct {
	ID                string
	SourceIP          string
	GatewayIP         string
	DestinationIP     string
	WindowStart       time.Time
	WindowEnd         time.Time
	BytesTotal        uint64
	FlowsCount        int
	ObservationSource string // "next_hop" or "exporter"
	Processed         bool
}

// AssetGateway is a rolled-up, scored gateway role assignment.
type AssetGateway struct {
	ID                 string
	SourceAssetID      string
	GatewayAssetID     string
	DestinationNetwork string // CIDR, or "" for default route
	Role               string // primary | ecmp | secondary
	Confidence         float64
	ConfidenceScores   map[string]float64
	TrafficShare       float64
	ValidFrom          time.Time
	ValidTo            *time.Time
}

// ChangeEvent records a detected topology change.
type ChangeEvent struct {
	ID                  string
	EventType           string // dependency_created | dependency_removed | dependency_stale | asset_discovered | new_external_connection | critical_path_changed | traffic_spike | traffic_drop | ...
	AssetID             string
	DependencyID        string
	DetectedAt          time.Time
	PreviousState       map[string]interface{}
	NewState            map[string]interface{}
	ImpactScore         float64
	AffectedAssetsCount int
	IsProcessed         bool
	Details             map[string]interface{}
}

// AlertRule configures when a ChangeEvent should raise an Alert.
type AlertRule struct {
	ID                string
	Name              string
	ChangeTypes       []string          // event types this rule subscribes to
	AssetFilter       map[string]string // structural equality against asset attributes
	Severity          string
	TitleTemplate     string // named-placeholder template, e.g. "{asset_name} dependency lost"
	DescriptionTemplate string
	NotifyChannels    []string
	CooldownMinutes   int
	Priority          int
	Schedule          string // optional cron expression restricting active hours
	Enabled           bool
	LastTriggeredAt   *time.Time
	TriggerCount      int
}

// Alert is a raised, notifiable event with an explicit lifecycle:
// unacknowledged -> acknowledged -> resolved.
type Alert struct {
	ID               string
	RuleID           string
	ChangeEventID    string
	Severity         string
	Title            string
	Message          string
	CreatedAt        time.Time
	AcknowledgedAt   *time.Time
	AcknowledgedBy   string
	ResolvedAt       *time.Time
	ResolvedBy       string
	AutoClearEligible bool
	Suppressed       bool
	SuppressReason   string
	Results          []AlertDeliveryResult
}

// AlertDeliveryResult records a per-(channel,recipient) delivery outcome.
type AlertDeliveryResult struct {
	Channel   string
	Recipient string
	Success   bool
	Error     string
	SentAt    time.Time
}

// MaintenanceWindow suppresses alerts for matching assets during a time
// range.
type MaintenanceWindow struct {
	ID        string
	AssetID   string
	StartTime time.Time
	EndTime   time.Time
	Reason    string
	Suppressed int
}

// AssetFeatures is one feature-extraction snapshot for the classification
// engine.
type AssetFeatures struct {
	AssetID              string
	ExtractedAt          time.Time
	InboundFlows         int
	OutboundFlows        int
	InboundBytes         uint64
	OutboundBytes        uint64
	FanIn                int
	FanOut               int
	UniqueSrcPorts       int
	UniqueDstPorts       int
	WellKnownPortRatio   float64
	EphemeralPortRatio   float64
	PersistentListeners  []int
	ProtocolDistribution map[uint8]float64
	AvgFlowDurationMs    float64
	AvgPacketSize        float64
	ConnectionChurn      float64
	ActiveHours          int
	BusinessHoursRatio   float64
	TrafficVariance      float64
	HasDBPorts           bool
	HasStoragePorts      bool
	HasWebPorts          bool
	HasSSHPorts          bool
	TotalFlows           int
}

// ClassificationHistory is an audit trail row appended whenever an asset's
// type is auto-updated or manually overridden.
type ClassificationHistory struct {
	ID                   string
	AssetID              string
	PreviousType         string
	NewType              string
	Confidence           float64
	Method               string
	ClassifiedAt         time.Time
}

// MLModel is a registered, versioned classification model.
type MLModel struct {
	ID          string
	Version     string
	Accuracy    float64
	ClassDistribution map[string]float64
	IsActive    bool
	CreatedAt   time.Time
}

// BackgroundTask records one run of a periodic background job (aggregator
// sweep, gateway rollup, change detector, alert dispatcher). This
// supplements the spec's explicit component list with operational
// visibility into the task pipeline described in its concurrency model.
type BackgroundTask struct {
	ID          string
	TaskName    string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Succeeded   bool
	ItemsProcessed int
	Error       string
}

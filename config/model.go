package config

// Root is the main yaml config object
type Root struct {
	// MetadataFolder holds the ledger database and other local state.
	MetadataFolder string `yaml:"metadata_folder,omitempty"`

	HTTP    *HTTPGlobal    `yaml:"http"`
	Log     *Log           `yaml:"log"`
	Client  *ClientGlobal  `yaml:"client"`
	Tracker *TrackerGlobal `yaml:"tracker"`

	Organize *Organize `yaml:"organize"`
	Poll     *Poll     `yaml:"poll"`
	Jobs     *Jobs     `yaml:"jobs"`
}

type Log struct {
	Debug      bool   `yaml:"debug"`
	MaxBackups int    `yaml:"max_backups"`
	MaxSize    int    `yaml:"max_size"`
	MaxAge     int    `yaml:"max_age"`
	Path       string `yaml:"path"`
}

type HTTPGlobal struct {
	Port int    `yaml:"port"`
	IP   string `yaml:"ip"`
}

// ClientType selects which torrent-client backend the adapter speaks to.
type ClientType string

const (
	ClientQBittorrent  ClientType = "qbittorrent"
	ClientTransmission ClientType = "transmission"
	ClientDeluge       ClientType = "deluge"
	ClientRTorrent     ClientType = "rtorrent"
)

type ClientGlobal struct {
	Type     ClientType `yaml:"type"`
	URL      string     `yaml:"url"`
	Username string     `yaml:"username,omitempty"`
	Password string     `yaml:"password,omitempty"`
	Category string     `yaml:"category,omitempty"`

	// DownloadRoot is where the backend writes finished downloads, as seen
	// from this process. LibraryRoot is the organized library destination.
	// Both must live on the same filesystem for hard links to work.
	DownloadRoot string `yaml:"download_root"`
	LibraryRoot  string `yaml:"library_root"`

	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

type TrackerGlobal struct {
	URL   string `yaml:"url"`
	MamID string `yaml:"mam_id"`

	// RequestsPerMinute bounds outbound API calls; trackers ban aggressive clients.
	RequestsPerMinute int `yaml:"requests_per_minute,omitempty"`
}

type Organize struct {
	OnAdd              bool `yaml:"on_add"`
	Sweep              bool `yaml:"sweep"`
	SweepIntervalHours int  `yaml:"sweep_interval_hours,omitempty"`
}

type Poll struct {
	IntervalSeconds       int `yaml:"interval_seconds,omitempty"`
	GraceSeconds          int `yaml:"grace_seconds,omitempty"`
	ResolveTimeoutSeconds int `yaml:"resolve_timeout_seconds,omitempty"`
}

type Jobs struct {
	IPCheck *IPCheckJob `yaml:"ip_check"`
	VIP     *VIPJob     `yaml:"vip"`
	Upload  *UploadJob  `yaml:"upload"`
}

type IPCheckJob struct {
	Enabled       bool `yaml:"enabled"`
	IntervalHours int  `yaml:"interval_hours,omitempty"`
}

type VIPJob struct {
	Enabled       bool `yaml:"enabled"`
	IntervalHours int  `yaml:"interval_hours,omitempty"`
}

type UploadJob struct {
	Enabled        bool    `yaml:"enabled"`
	IntervalHours  int     `yaml:"interval_hours,omitempty"`
	OnRatio        bool    `yaml:"on_ratio"`
	RatioFloor     float64 `yaml:"ratio_floor,omitempty"`
	RatioAmountGB  float64 `yaml:"ratio_amount_gb,omitempty"`
	OnBuffer       bool    `yaml:"on_buffer"`
	BufferFloorGB  float64 `yaml:"buffer_floor_gb,omitempty"`
	BufferAmountGB float64 `yaml:"buffer_amount_gb,omitempty"`
}

func AddDefaults(r *Root) *Root {
	if r.MetadataFolder == "" {
		r.MetadataFolder = "./shelfward-data/metadata"
	}

	if r.HTTP == nil {
		r.HTTP = &HTTPGlobal{}
	}
	if r.HTTP.IP == "" {
		r.HTTP.IP = "0.0.0.0"
	}
	if r.HTTP.Port == 0 {
		r.HTTP.Port = 5577
	}

	if r.Log == nil {
		r.Log = &Log{}
	}
	if r.Log.Path == "" {
		r.Log.Path = "./shelfward-data/logs"
	}
	if r.Log.MaxSize == 0 {
		r.Log.MaxSize = 20
	}
	if r.Log.MaxBackups == 0 {
		r.Log.MaxBackups = 2
	}
	if r.Log.MaxAge == 0 {
		r.Log.MaxAge = 30
	}

	if r.Client == nil {
		r.Client = &ClientGlobal{}
	}
	if r.Client.Type == "" {
		r.Client.Type = ClientQBittorrent
	}
	if r.Client.TimeoutSeconds == 0 {
		r.Client.TimeoutSeconds = 15
	}

	if r.Tracker == nil {
		r.Tracker = &TrackerGlobal{}
	}
	if r.Tracker.URL == "" {
		r.Tracker.URL = "https://www.myanonamouse.net"
	}
	if r.Tracker.RequestsPerMinute == 0 {
		r.Tracker.RequestsPerMinute = 30
	}

	if r.Organize == nil {
		r.Organize = &Organize{OnAdd: true, Sweep: true}
	}
	if r.Organize.SweepIntervalHours == 0 {
		r.Organize.SweepIntervalHours = 1
	}

	if r.Poll == nil {
		r.Poll = &Poll{}
	}
	if r.Poll.IntervalSeconds == 0 {
		r.Poll.IntervalSeconds = 2
	}
	if r.Poll.GraceSeconds == 0 {
		r.Poll.GraceSeconds = 300
	}
	if r.Poll.ResolveTimeoutSeconds == 0 {
		r.Poll.ResolveTimeoutSeconds = 60
	}

	if r.Jobs == nil {
		r.Jobs = &Jobs{}
	}
	if r.Jobs.IPCheck == nil {
		r.Jobs.IPCheck = &IPCheckJob{}
	}
	if r.Jobs.IPCheck.IntervalHours == 0 {
		r.Jobs.IPCheck.IntervalHours = 3
	}
	if r.Jobs.VIP == nil {
		r.Jobs.VIP = &VIPJob{}
	}
	if r.Jobs.VIP.IntervalHours == 0 {
		r.Jobs.VIP.IntervalHours = 24
	}
	if r.Jobs.Upload == nil {
		r.Jobs.Upload = &UploadJob{}
	}
	if r.Jobs.Upload.IntervalHours == 0 {
		r.Jobs.Upload.IntervalHours = 6
	}
	if r.Jobs.Upload.RatioFloor == 0 {
		r.Jobs.Upload.RatioFloor = 1.5
	}
	if r.Jobs.Upload.RatioAmountGB == 0 {
		r.Jobs.Upload.RatioAmountGB = 10
	}
	if r.Jobs.Upload.BufferFloorGB == 0 {
		r.Jobs.Upload.BufferFloorGB = 10
	}
	if r.Jobs.Upload.BufferAmountGB == 0 {
		r.Jobs.Upload.BufferAmountGB = 10
	}

	return r
}

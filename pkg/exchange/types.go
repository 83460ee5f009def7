package exchange

// tickerResponse is the REST 24h ticker payload for one symbol.
type tickerResponse struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	Volume             string `json:"volume"`
	CloseTime          int64  `json:"closeTime"`
}

// priceResponse is the REST instantaneous price payload.
type priceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// wsKlineMessage is the stream kline envelope.
type wsKlineMessage struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		Start       int64  `json:"t"`
		End         int64  `json:"T"`
		Interval    string `json:"i"`
		Open        string `json:"o"`
		High        string `json:"h"`
		Low         string `json:"l"`
		Close       string `json:"c"`
		Volume      string `json:"v"`
		Trades      int64  `json:"n"`
		Final       bool   `json:"x"`
		QuoteVolume string `json:"q"`
	} `json:"k"`
}

// wsTickerMessage is the stream 24h ticker envelope.
type wsTickerMessage struct {
	EventType          string `json:"e"`
	EventTime          int64  `json:"E"`
	Symbol             string `json:"s"`
	LastPrice          string `json:"c"`
	PriceChange        string `json:"p"`
	PriceChangePercent string `json:"P"`
	HighPrice          string `json:"h"`
	LowPrice           string `json:"l"`
	Volume             string `json:"v"`
}

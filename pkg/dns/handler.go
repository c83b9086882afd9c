package dns

import (
	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/config"
)

// QueryCounter 统计DNS查询次数
type QueryCounter interface {
	IncrementDNSQueryCount()
}

// Handler DNS请求处理器
type Handler struct {
	records  *RecordManager    // DNS记录管理器
	upstream *UpstreamResolver // 上游DNS解析器，可为nil
	counter  QueryCounter      // 可为nil
	logger   config.Logger
}

// NewHandler 创建DNS请求处理器
func NewHandler(records *RecordManager, upstream *UpstreamResolver, counter QueryCounter, logger config.Logger) *Handler {
	return &Handler{
		records:  records,
		upstream: upstream,
		counter:  counter,
		logger:   logger,
	}
}

// ServeDNS 处理DNS请求
func (h *Handler) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	if h.counter != nil {
		h.counter.IncrementDNSQueryCount()
	}

	// 创建响应消息
	m := new(dns.Msg)
	m.SetReply(r)

	// 只处理标准查询
	if r.Opcode != dns.OpcodeQuery {
		m.Rcode = dns.RcodeNotImplemented
		h.write(w, m)
		return
	}
	if len(r.Question) == 0 {
		m.Rcode = dns.RcodeFormatError
		h.write(w, m)
		return
	}

	q := r.Question[0]
	if h.records.InDomain(q.Name) {
		h.handleLocalDomain(w, m, q)
		return
	}

	h.handleUpstreamQuery(w, r, m)
}

// handleLocalDomain 处理本地域名查询
func (h *Handler) handleLocalDomain(w dns.ResponseWriter, m *dns.Msg, q dns.Question) {
	m.Authoritative = true

	answer, extra, found := h.records.GetRecords(q.Name, q.Qtype)
	if !found {
		m.Rcode = dns.RcodeNameError
		m.Ns = append(m.Ns, h.soa())
		h.logger.Debug("本地域名无匹配实例", zap.String("name", q.Name), zap.String("type", dns.TypeToString[q.Qtype]))
		h.write(w, m)
		return
	}

	m.Answer = append(m.Answer, answer...)
	m.Extra = append(m.Extra, extra...)
	if len(answer) == 0 {
		// 名称存在但没有该类型的记录
		m.Ns = append(m.Ns, h.soa())
	}
	h.write(w, m)
}

// handleUpstreamQuery 处理上游DNS查询
func (h *Handler) handleUpstreamQuery(w dns.ResponseWriter, r *dns.Msg, m *dns.Msg) {
	if !h.upstream.Enabled() {
		m.Rcode = dns.RcodeRefused
		h.write(w, m)
		return
	}

	resp, err := h.upstream.Resolve(r)
	if err != nil {
		h.logger.Warn("上游DNS查询失败", zap.String("name", r.Question[0].Name), zap.Error(err))
		m.Rcode = dns.RcodeServerFailure
		h.write(w, m)
		return
	}

	resp.Id = r.Id
	h.write(w, resp)
}

// soa 本地域的SOA记录，用于否定应答
func (h *Handler) soa() dns.RR {
	domain := h.records.Domain()
	return &dns.SOA{
		Hdr:     dns.RR_Header{Name: domain, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: h.records.ttl},
		Ns:      "ns." + domain,
		Mbox:    "hostmaster." + domain,
		Serial:  1,
		Refresh: 3600,
		Retry:   600,
		Expire:  86400,
		Minttl:  h.records.ttl,
	}
}

func (h *Handler) write(w dns.ResponseWriter, m *dns.Msg) {
	if err := w.WriteMsg(m); err != nil {
		h.logger.Error("写入DNS响应失败", zap.Error(err))
	}
}

package dns

import (
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"

	"github.com/hewenyu/kong-mesh/pkg/model"
)

// InstanceLister 按服务名列出实例
type InstanceLister interface {
	ListInstances(name string) []model.ServiceInstance
}

// RecordManager 根据注册中心生成DNS记录
//
// 只有健康实例会出现在应答中。A/AAAA记录要求实例host是IP地址，
// host为域名的实例只出现在SRV记录中。
type RecordManager struct {
	instances InstanceLister
	domain    string // 规范化后的域名，带末尾的点
	ttl       uint32
}

// NewRecordManager 创建DNS记录管理器
func NewRecordManager(instances InstanceLister, domain string, ttl uint32) *RecordManager {
	return &RecordManager{
		instances: instances,
		domain:    dns.Fqdn(strings.ToLower(domain)),
		ttl:       ttl,
	}
}

// Domain 返回本地域名（带末尾的点）
func (rm *RecordManager) Domain() string {
	return rm.domain
}

// InDomain 判断查询名称是否属于本地域
func (rm *RecordManager) InDomain(name string) bool {
	return dns.IsSubDomain(rm.domain, dns.Fqdn(strings.ToLower(name)))
}

// GetRecords 获取指定名称和类型的记录
//
// 第二个返回值表示该名称是否对应已注册的服务，用于区分NXDOMAIN和空应答。
func (rm *RecordManager) GetRecords(name string, qtype uint16) ([]dns.RR, []dns.RR, bool) {
	name = dns.Fqdn(strings.ToLower(name))

	serviceName, isSRV := rm.extractServiceName(name)
	if serviceName == "" {
		return nil, nil, false
	}

	healthy := rm.healthyInstances(serviceName)
	if len(healthy) == 0 {
		return nil, nil, false
	}

	switch {
	case isSRV && (qtype == dns.TypeSRV || qtype == dns.TypeANY):
		answer, extra := rm.srvRecords(name, serviceName, healthy)
		return answer, extra, true
	case !isSRV && (qtype == dns.TypeA || qtype == dns.TypeAAAA || qtype == dns.TypeANY):
		return rm.addressRecords(name, qtype, healthy), nil, true
	default:
		return nil, nil, true
	}
}

// extractServiceName 从查询名称中提取服务名
//
// 支持 <svc>.<domain> 和 _<svc>._tcp.<domain> 两种形式。
func (rm *RecordManager) extractServiceName(name string) (serviceName string, isSRV bool) {
	if !dns.IsSubDomain(rm.domain, name) || name == rm.domain {
		return "", false
	}

	prefix := strings.TrimSuffix(name, "."+rm.domain)
	labels := strings.Split(prefix, ".")

	switch len(labels) {
	case 1:
		if strings.HasPrefix(labels[0], "_") {
			return "", false
		}
		return labels[0], false
	case 2:
		if strings.HasPrefix(labels[0], "_") && labels[1] == "_tcp" {
			return strings.TrimPrefix(labels[0], "_"), true
		}
	}
	return "", false
}

func (rm *RecordManager) healthyInstances(serviceName string) []model.ServiceInstance {
	var healthy []model.ServiceInstance
	for _, inst := range rm.instances.ListInstances(serviceName) {
		if inst.IsHealthy() {
			healthy = append(healthy, inst)
		}
	}
	return healthy
}

func (rm *RecordManager) addressRecords(name string, qtype uint16, instances []model.ServiceInstance) []dns.RR {
	var records []dns.RR
	seen := make(map[string]bool)
	for _, inst := range instances {
		ip := net.ParseIP(inst.Host)
		if ip == nil || seen[ip.String()] {
			continue
		}
		seen[ip.String()] = true

		if rr := rm.addressRecord(name, qtype, ip); rr != nil {
			records = append(records, rr)
		}
	}
	return records
}

// addressRecord 按地址族生成A或AAAA记录，类型不匹配时返回nil
func (rm *RecordManager) addressRecord(name string, qtype uint16, ip net.IP) dns.RR {
	if ip4 := ip.To4(); ip4 != nil {
		if qtype == dns.TypeAAAA {
			return nil
		}
		return &dns.A{
			Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: rm.ttl},
			A:   ip4,
		}
	}
	if qtype == dns.TypeA {
		return nil
	}
	return &dns.AAAA{
		Hdr:  dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: rm.ttl},
		AAAA: ip,
	}
}

// srvRecords 生成SRV记录，host为IP的实例以附加A/AAAA记录给出地址
func (rm *RecordManager) srvRecords(name, serviceName string, instances []model.ServiceInstance) ([]dns.RR, []dns.RR) {
	var answer, extra []dns.RR
	for _, inst := range instances {
		target := dns.Fqdn(inst.Host)
		ip := net.ParseIP(inst.Host)
		if ip != nil {
			target = rm.instanceTarget(serviceName, ip)
			if rr := rm.addressRecord(target, dns.TypeANY, ip); rr != nil {
				extra = append(extra, rr)
			}
		}

		answer = append(answer, &dns.SRV{
			Hdr:      dns.RR_Header{Name: name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: rm.ttl},
			Priority: 10,
			Weight:   10,
			Port:     uint16(inst.Port),
			Target:   target,
		})
	}
	return answer, extra
}

// instanceTarget 为IP实例生成SRV目标名，如 10-0-0-1.orders.mesh.local.
func (rm *RecordManager) instanceTarget(serviceName string, ip net.IP) string {
	label := strings.NewReplacer(".", "-", ":", "-").Replace(ip.String())
	return fmt.Sprintf("%s.%s.%s", label, serviceName, rm.domain)
}
